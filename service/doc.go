/*
Package service spawns, monitors and stops a background service process as a
test fixture.

A Service owns exactly one child process. Its SetUp spawns the process on a
reactor loop and waits for it to become ready: the process must stay up for
a minimum time, and optionally emit an expected output line and start
listening on an expected TCP port. CleanUp terminates the process with an
escalating SIGTERM-then-kill sequence, so no child is ever silently left
running after a test.

The process's output streams are routed line by line to structured logging,
which is also how expected-output detection works. Readiness is all-or-
nothing: if the process exits, or the protocol timeout elapses, before every
configured condition holds, SetUp fails with the reason.
*/
package service
