// Package mailbox connects the triage engine to a real mail account: an IMAP
// Source that yields unread, unprocessed messages and an SMTP Sender that
// delivers threaded replies.
package mailbox
