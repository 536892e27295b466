/*
Package presence implements the Open/Ping/Close state machine over a shared
presence store.

Open and Close mutate the store and then, side by side, emit an analytics
event and notify every active user of the entity with its new membership.
Both side effects are awaited and neither can fail the transition. Ping only
refreshes activity.

A record is active while now - (last_ping or created_at) is below the
threshold. Queries take the threshold explicitly; zero or negative means
every record counts. Membership notifications use the tracker's configured
default.

Users are reached through their own entity, user:<id>: each connection of a
user is opened there, so listing that entity yields the user's connections.
Transitions on user entities never broadcast membership.
*/
package presence
