package metrics

/*
Labels and so on for metrics used in shipcd.
*/

const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelSuccess = "success"

	// Labels for pipeline metrics
	LabelStage  = "stage"
	LabelStatus = "status"
)
