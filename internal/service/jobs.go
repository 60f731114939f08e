package service

import (
	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/queue"
)

// RegisterJobs registers the background job handlers on r.
func (s *Service) RegisterJobs(r *queue.Registry) {
	r.MustRegister(domain.JobGenerateImage, queue.Handler{
		Handle: s.HandleGenerateImage,
		Rescue: s.RescueGenerateImage,
	})
	r.MustRegister(domain.JobActivateFile, queue.Handler{
		Handle: s.HandleActivateFile,
		Rescue: s.RescueActivateFile,
	})
}
