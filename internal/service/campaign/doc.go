// Package campaign detects campaign completion.
//
// A campaign in the sending state is complete once none of its sends is
// still PENDING. Many workers can observe that moment at once, so the
// transition to sent is a single conditional update and exactly one caller
// wins it.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign
