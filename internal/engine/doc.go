// Package engine defines the contract between the execution service and the
// runtimes that execute processes. A WorkloadEngine runs one Executable per
// execution and streams its steps back as Events; engines are looked up by
// name through the Registry.
package engine
