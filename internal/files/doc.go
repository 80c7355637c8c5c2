// Package files manages report working directories and the file helpers the
// execution pipeline and output cache share.
//
// Working directories follow the layout
//
//	<temp>/<container>/report_<id>/<interactive|pipeline>/<execution id>
//
// where the execution id is a uuid per render or the job id for background runs.
package files
