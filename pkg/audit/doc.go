// Package audit records entity changes as signed audit records and forwards
// them to pluggable transports. A Processor receives the pending changes of a
// persistence unit of work, builds records through the Service, holds creates
// until the commit assigns their identifiers and hands every record to the
// Dispatcher, which seals, signs and delivers it with optional fallback.
package audit
