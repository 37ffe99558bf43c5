// Package cmd implements the cobra command tree for the auditctl CLI, which
// migrates, lists, shows and verifies stored audit records.
package cmd
