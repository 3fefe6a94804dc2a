package outputfile

import "github.com/prometheus/client_golang/prometheus"

var (
	filesMarked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "processing_output_files_downloaded_total",
		Help: "Total number of output files marked downloaded.",
	})

	filesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "processing_output_files_deleted_total",
		Help: "Total number of output files deleted by the reaper.",
	})

	deleteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "processing_output_file_delete_errors_total",
		Help: "Total number of output file deletions that failed.",
	})
)

func init() {
	prometheus.MustRegister(filesMarked, filesDeleted, deleteErrors)
}
