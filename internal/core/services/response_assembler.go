package services

import "github.com/manthysbr/datalens/internal/core/domain"

// AssembleResponse builds the record for one query. Code and chart are only
// attached for plot actions, so a record never carries a chart without the
// code that drew it. A non-plot action is kept for display as DebugAction.
func AssembleResponse(output string, action *string, isPlot bool, chart *domain.ChartHandle, execErr error) domain.ResponseRecord {
	rec := domain.ResponseRecord{Text: output}

	if !isPlot || action == nil {
		if action != nil {
			debug := *action
			rec.DebugAction = &debug
		}
		return rec
	}

	code := *action
	rec.Code = &code
	rec.Chart = chart
	if execErr != nil {
		rec.Chart = nil
		rec.ExecutionError = execErr.Error()
	}
	return rec
}
