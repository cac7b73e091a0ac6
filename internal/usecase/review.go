package usecase

import (
	"encoding/json"
	"fmt"

	"github.com/clinicore/chartpipe/internal/domain"
)

// ReviewService is the human-review flow over finished charts.
type ReviewService struct {
	Charts domain.ChartRepository
}

// NewReviewService constructs a ReviewService.
func NewReviewService(charts domain.ChartRepository) ReviewService {
	return ReviewService{Charts: charts}
}

// SaveUserModifications stores the reviewer's working overlay. The payload is
// opaque to the pipeline but must at least be valid JSON.
func (s ReviewService) SaveUserModifications(ctx domain.Context, chartNumber string, overlay []byte) error {
	if !json.Valid(overlay) {
		return fmt.Errorf("op=review.save_modifications: overlay is not valid JSON: %w", domain.ErrInvalidArgument)
	}
	return s.Charts.SaveUserModifications(ctx, chartNumber, overlay)
}

// SubmitFinalCodes finalizes the review. After this the chart's AI payload is
// frozen and further processing is refused.
func (s ReviewService) SubmitFinalCodes(ctx domain.Context, chartNumber string, finalCodes []byte) error {
	if !json.Valid(finalCodes) {
		return fmt.Errorf("op=review.submit: final codes are not valid JSON: %w", domain.ErrInvalidArgument)
	}
	return s.Charts.SubmitFinalCodes(ctx, chartNumber, finalCodes)
}

// UpdateReviewStatus moves the chart between the non-terminal review states.
func (s ReviewService) UpdateReviewStatus(ctx domain.Context, chartNumber string, status domain.ReviewStatus) error {
	return s.Charts.UpdateReviewStatus(ctx, chartNumber, status)
}
