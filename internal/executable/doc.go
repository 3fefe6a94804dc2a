// Package executable provides the building blocks most processes are made
// of: preparing a workdir with the input files, running the actual work,
// storing what it produced and cleaning up. Standard assembles them in the
// usual order.
package executable
