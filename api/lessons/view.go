package lessons

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/projection"
)

// requestView is the wire shape of a folded lesson request.
type requestView struct {
	LessonRequestID uuid.UUID       `json:"lesson_request_id"`
	StudentID       uuid.UUID       `json:"student_id"`
	Slot            model.TimeRange `json:"slot"`
	Zone            string          `json:"zone,omitempty"`
	Status          string          `json:"status"`
	Wave            int             `json:"wave"`
	WaveDeadline    *time.Time      `json:"wave_deadline,omitempty"`
	ConfirmedBy     *uuid.UUID      `json:"confirmed_by,omitempty"`
	LessonID        *uuid.UUID      `json:"lesson_id,omitempty"`
	ExpiredReason   string          `json:"expired_reason,omitempty"`
	OfferedTo       []uuid.UUID     `json:"offered_to"`
}

func stateView(st projection.RequestState) requestView {
	v := requestView{
		LessonRequestID: st.RequestID,
		StudentID:       st.StudentID,
		Slot:            st.Slot,
		Zone:            st.Zone,
		Wave:            st.Wave,
		OfferedTo:       make([]uuid.UUID, 0, len(st.OfferedEver)),
	}
	for id := range st.OfferedEver {
		v.OfferedTo = append(v.OfferedTo, id)
	}
	sort.Slice(v.OfferedTo, func(i, j int) bool { return v.OfferedTo[i].String() < v.OfferedTo[j].String() })

	switch {
	case st.Confirmed:
		v.Status = "confirmed"
		confirmedBy, lessonID := st.ConfirmedBy, st.LessonID
		v.ConfirmedBy = &confirmedBy
		v.LessonID = &lessonID
	case st.Expired:
		v.Status = "expired"
		v.ExpiredReason = st.ExpiredReason
	case st.Wave > 0:
		v.Status = "dispatching"
		deadline := st.WaveDeadline
		v.WaveDeadline = &deadline
	default:
		v.Status = "pending"
	}
	return v
}
