package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/karierni-denik/internal/models"
)

// SubmissionEventFilter narrows audit history queries.
type SubmissionEventFilter struct {
	StudentID uint
	TaskID    string
	Action    string
	Page      int
	PageSize  int
}

// SubmissionEventRepository persists submission lifecycle events.
type SubmissionEventRepository interface {
	Create(ctx context.Context, event *models.SubmissionEvent) error
	List(ctx context.Context, filter SubmissionEventFilter) ([]models.SubmissionEvent, int64, error)
}

type submissionEventRepository struct {
	db *gorm.DB
}

// NewSubmissionEventRepository constructs the submission event repository.
func NewSubmissionEventRepository(db *gorm.DB) SubmissionEventRepository {
	return &submissionEventRepository{db: db}
}

func (r *submissionEventRepository) Create(ctx context.Context, event *models.SubmissionEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *submissionEventRepository) List(ctx context.Context, filter SubmissionEventFilter) ([]models.SubmissionEvent, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.SubmissionEvent{}).
		Where("student_id = ? AND task_id = ?", filter.StudentID, filter.TaskID)

	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var events []models.SubmissionEvent
	if err := query.Order("created_at DESC").Order("id DESC").Find(&events).Error; err != nil {
		return nil, 0, err
	}

	return events, total, nil
}
