// Package engine runs materialized scripts.
//
// Three backends share the Engine interface:
//
//   - ExternalEngine starts an interpreter process such as Rscript
//   - EmbeddedEngine evaluates Go scripts in process with yaegi
//   - RemoteEngine sends statements to an Rserve server
//
// Every backend writes what the script printed to a console file and
// reports failures as a single ScriptExecutionError. Nothing is retried and
// the working directory is left as it was.
package engine
