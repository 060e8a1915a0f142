// Package audit records security-relevant events: authentication outcomes,
// role changes, configuration edits and directory sync lifecycle.
//
// Events carry the tenant, the acting user, the affected resource and a
// free-form metadata bag. Loggers are pluggable: a PostgreSQL logger for
// queryable history, a file logger writing newline-delimited JSON for
// shipping elsewhere, and a fan-out logger combining several. Failed
// authentications are always audited with the internal failure reason, even
// though the external response stays generic.
package audit
