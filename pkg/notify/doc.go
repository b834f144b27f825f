// Package notify mails build outcomes to the people behind a tag push
// and internal failures to the administrators. Mail is strictly
// best-effort: every error here is logged and swallowed, a down relay
// never blocks or fails a build.
package notify
