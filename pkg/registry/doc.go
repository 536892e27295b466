/*
Package registry holds the connections attached to the current process.

Each entry maps a connection id to its bounded outbound queue and the cancel
handle of its sender goroutine. The registry has no knowledge of other
processes: a lookup miss (ErrNotFound) is the normal outcome for a message
addressed to a connection held elsewhere.

SendLocal never blocks. A saturated queue returns ErrOutboundFull so one slow
client cannot stall the bus subscriber that feeds every connection.
*/
package registry
