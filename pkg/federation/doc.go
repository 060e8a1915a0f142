// Package federation manages identity-provider configurations and drives
// login flows through the protocol handlers. A tenant may hold many
// configs, but at most one enabled config per protocol; callbacks always
// resolve against the enabled config so a half-rolled-out change cannot
// leave two providers answering for the same protocol.
//
// Login outcomes are provisioned just-in-time: the normalized identity is
// upserted into the local user store, linked to its external subject, and
// handed to the role engine. External responses never carry validation
// detail; failures return a generic message while the specific cause is
// logged and audited internally.
package federation
