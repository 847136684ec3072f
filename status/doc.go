// Package status serves the engine's HTTP surface: health, a status
// snapshot, the installed cluster configuration and membership changes.
//
//	GET    /healthz
//	GET    /status
//	GET    /cluster
//	POST   /cluster/members        {"id": 4, "peer": "a004"}
//	DELETE /cluster/members/{id}
//
// Membership changes answer 202 once the change is in the leader's log
// and 409, with the known leader, when the node is not the leader.
package status
