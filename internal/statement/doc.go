// Package statement defines the agent-instance handle that identifies one
// running instance of a statement, its lock, and the callback contracts the
// engine uses to execute statement code.
//
// The engine never looks inside a statement. It sees filter callbacks that
// accept matched events, schedule callbacks that fire at a time, an internal
// dispatcher that runs once after all callbacks of a pass, and a Unit that
// gives statement code access to the current pass.
package statement
