// Package suppression decides whether a contact may still receive mail.
//
// Contacts flow into a suppressed status from provider bounce and complaint
// callbacks (and from unsubscribes owned elsewhere). The dispatcher checks
// the contact before every provider call.
//
// The service layer depends only on the Repository interface defined in
// repository.go. It never imports net/http or database/sql directly.
package suppression
