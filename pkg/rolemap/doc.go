// Package rolemap resolves external directory groups, roles and attributes
// into internal roles and permissions through tenant-scoped mapping rules.
//
// Rules are evaluated in ascending priority order with a stable sort, so two
// resolutions over the same rule set and claims always produce the same
// ordered result. Every enabled rule is evaluated; all matches accumulate.
// When nothing matches, the lowest-privilege fallback role is applied so a
// resolution never yields an empty role set. Each resolution reports which
// mappings fired and on which value, for the audit trail.
package rolemap
