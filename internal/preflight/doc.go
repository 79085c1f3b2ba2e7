// Package preflight provides readiness checks for the paths, backends, and
// processor endpoints conductor depends on.
//
// The `conductor doctor` command runs RunAll and renders each Result. All
// checks share one deadline so a hung backend cannot stall the report.
package preflight
