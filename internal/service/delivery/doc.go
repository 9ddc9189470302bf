// Package delivery implements campaign launch orchestration.
//
// The service layer owns the launch sequence: quota reservation, batch
// planning, persistence, and queue dispatch. It depends on repository
// interfaces defined in this package and should never import from handler/.
//
// Repository implementations live in repository/postgres/.
package delivery
