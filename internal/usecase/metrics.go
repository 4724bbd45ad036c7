package usecase

import "context"

// MetricsSummary represents aggregated detection insights.
type MetricsSummary struct {
	TotalPredictions  int64            `json:"total_predictions"`
	AverageConfidence float64          `json:"average_confidence"`
	ByEmotion         map[string]int64 `json:"by_emotion"`
	MostCommon        string           `json:"most_common,omitempty"`
}

// GetMetricsSummary aggregates detection metrics from persisted logs.
func (uc *EmotionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	rows, err := uc.repo.CountByEmotion(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{ByEmotion: make(map[string]int64, len(rows))}
	var weighted float64
	var best int64
	for _, row := range rows {
		summary.ByEmotion[row.Emotion] = row.Count
		summary.TotalPredictions += row.Count
		weighted += row.AverageConfidence * float64(row.Count)
		if row.Count > best {
			best = row.Count
			summary.MostCommon = row.Emotion
		}
	}

	if summary.TotalPredictions > 0 {
		summary.AverageConfidence = weighted / float64(summary.TotalPredictions)
	}

	return summary, nil
}
