// Package lessons exposes the dispatch commands and read projections over
// HTTP. The handlers translate wire shapes to engine commands and the fault
// taxonomy to status codes; no business rule lives here.
package lessons

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/dispatch"
	"github.com/driveline/driveline/core/fault"
	"github.com/driveline/driveline/core/liquidity"
	"github.com/driveline/driveline/core/logger"
	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/registry"
)

const idempotencyHeader = "Idempotency-Key"

// NewMux assembles the API routes. controller and reg may be nil, in which
// case their routes respond 404.
func NewMux(engine *dispatch.Engine, controller *liquidity.Controller, reg *registry.Registry, log logger.Logger) *http.ServeMux {
	if log == nil {
		log = logger.Nop{}
	}
	mux := http.NewServeMux()
	mux.Handle("POST /api/lesson-requests", newRequestHandler(engine, log))
	mux.Handle("GET /api/lesson-requests/{id}", newStateHandler(engine, log))
	mux.Handle("POST /api/offers", newSendOfferHandler(engine, log))
	mux.Handle("POST /api/offers/accept", newAcceptHandler(engine, log))
	if controller != nil {
		mux.Handle("GET /api/liquidity", newLiquidityHandler(controller))
	}
	if reg != nil {
		mux.Handle("POST /api/identities", newCreateHandler(reg, log))
		mux.Handle("POST /api/identities/{id}/activate", newFlipHandler(reg, log, true))
		mux.Handle("POST /api/identities/{id}/deactivate", newFlipHandler(reg, log, false))
		mux.Handle("POST /api/instructors/{id}/presence", newPresenceHandler(reg, log))
		mux.Handle("POST /api/payments/{id}/confirm", newConfirmPaymentHandler(reg, log))
		mux.Handle("POST /api/lessons/{id}/cancel", newCancelLessonHandler(reg, log))
		mux.Handle("POST /api/lessons/{id}/complete", newCompleteLessonHandler(reg, log))
		mux.Handle("POST /api/lessons/{id}/reschedule", newRescheduleLessonHandler(reg, log))
	}
	return mux
}

type requestBody struct {
	StudentID uuid.UUID       `json:"student_id"`
	Slot      model.TimeRange `json:"slot"`
	Zone      string          `json:"zone"`
}

func newRequestHandler(engine *dispatch.Engine, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body requestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		res, err := engine.RequestLesson(r.Context(), dispatch.RequestLessonCommand{
			IdempotencyKey: r.Header.Get(idempotencyHeader),
			StudentID:      body.StudentID,
			Slot:           body.Slot,
			Zone:           body.Zone,
		})
		if err != nil {
			writeFault(w, log, err)
			return
		}
		writeStored(w, http.StatusCreated, res.Response)
	})
}

func newStateHandler(engine *dispatch.Engine, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid lesson request id", http.StatusBadRequest)
			return
		}
		st, err := engine.RequestState(r.Context(), id)
		if err != nil {
			writeFault(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, stateView(st))
	})
}

type sendOfferBody struct {
	LessonRequestID uuid.UUID `json:"lesson_request_id"`
	InstructorID    uuid.UUID `json:"instructor_id"`
}

func newSendOfferHandler(engine *dispatch.Engine, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body sendOfferBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		res, err := engine.SendOffer(r.Context(), dispatch.SendOfferCommand{
			LessonRequestID: body.LessonRequestID,
			InstructorID:    body.InstructorID,
		})
		if err != nil {
			writeFault(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	})
}

type acceptBody struct {
	LessonRequestID uuid.UUID `json:"lesson_request_id"`
	InstructorID    uuid.UUID `json:"instructor_id"`
	CarID           uuid.UUID `json:"car_id"`
}

func newAcceptHandler(engine *dispatch.Engine, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body acceptBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		res, err := engine.AcceptOffer(r.Context(), dispatch.AcceptOfferCommand{
			IdempotencyKey:  r.Header.Get(idempotencyHeader),
			LessonRequestID: body.LessonRequestID,
			InstructorID:    body.InstructorID,
			CarID:           body.CarID,
		})
		if err != nil {
			writeFault(w, log, err)
			return
		}
		writeStored(w, http.StatusOK, res.Response)
	})
}

func newLiquidityHandler(controller *liquidity.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, controller.Samples())
	})
}

type createBody struct {
	Type        model.IdentityType `json:"type"`
	PerformedBy string             `json:"performed_by"`
	Source      string             `json:"source"`
}

func newCreateHandler(reg *registry.Registry, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body createBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		cmd := registry.CreateCommand{PerformedBy: body.PerformedBy, Source: body.Source}
		var (
			id  uuid.UUID
			err error
		)
		switch body.Type {
		case model.IdentityStudent:
			id, err = reg.CreateStudent(r.Context(), cmd)
		case model.IdentityInstructor:
			id, err = reg.CreateInstructor(r.Context(), cmd)
		case model.IdentityCar:
			id, err = reg.CreateCar(r.Context(), cmd)
		default:
			http.Error(w, "type must be student, instructor or car", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeFault(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"id": id})
	})
}

func newFlipHandler(reg *registry.Registry, log logger.Logger, activate bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid identity id", http.StatusBadRequest)
			return
		}
		var body createBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		cmd := registry.CreateCommand{PerformedBy: body.PerformedBy, Source: body.Source}
		if activate {
			err = reg.Activate(r.Context(), id, cmd)
		} else {
			err = reg.Deactivate(r.Context(), id, cmd)
		}
		if err != nil {
			writeFault(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

type presenceBody struct {
	Online bool   `json:"online"`
	Zone   string `json:"zone"`
}

func newPresenceHandler(reg *registry.Registry, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid instructor id", http.StatusBadRequest)
			return
		}
		var body presenceBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if err := reg.SetPresence(r.Context(), registry.PresenceCommand{
			InstructorID: id,
			Online:       body.Online,
			Zone:         body.Zone,
		}); err != nil {
			writeFault(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func newConfirmPaymentHandler(reg *registry.Registry, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid payment id", http.StatusBadRequest)
			return
		}
		res, err := reg.ConfirmPayment(r.Context(), registry.ConfirmPaymentCommand{
			IdempotencyKey: r.Header.Get(idempotencyHeader),
			PaymentID:      id,
		})
		if err != nil {
			writeFault(w, log, err)
			return
		}
		writeStored(w, http.StatusOK, res.Response)
	})
}

type cancelLessonBody struct {
	Reason string `json:"reason"`
}

func newCancelLessonHandler(reg *registry.Registry, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid lesson id", http.StatusBadRequest)
			return
		}
		var body cancelLessonBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		if err := reg.CancelLesson(r.Context(), registry.CancelLessonCommand{
			LessonID: id,
			Reason:   body.Reason,
		}); err != nil {
			writeFault(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func newCompleteLessonHandler(reg *registry.Registry, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid lesson id", http.StatusBadRequest)
			return
		}
		if err := reg.CompleteLesson(r.Context(), id); err != nil {
			writeFault(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

type rescheduleLessonBody struct {
	Slot model.TimeRange `json:"slot"`
}

func newRescheduleLessonHandler(reg *registry.Registry, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid lesson id", http.StatusBadRequest)
			return
		}
		var body rescheduleLessonBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		res, err := reg.RescheduleLesson(r.Context(), registry.RescheduleLessonCommand{
			LessonID: id,
			Slot:     body.Slot,
		})
		if err != nil {
			writeFault(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
}

// writeFault maps the error taxonomy to HTTP statuses and hides internal
// messages behind the classification for non-client faults.
func writeFault(w http.ResponseWriter, log logger.Logger, err error) {
	switch {
	case fault.IsInvalid(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case fault.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case fault.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case fault.IsTransient(err):
		log.Warnf("transient failure: %v", err)
		http.Error(w, "temporarily unavailable, retry the request", http.StatusServiceUnavailable)
	default:
		log.Errorf("internal failure: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStored forwards the guard's stored response bytes verbatim, so a
// replayed command returns byte-identical output.
func writeStored(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
