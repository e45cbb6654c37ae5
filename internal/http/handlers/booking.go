package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Parth354/HealBridge-sub002/internal/booking"
	"github.com/Parth354/HealBridge-sub002/internal/http/middleware"
	"github.com/Parth354/HealBridge-sub002/internal/observability/metrics"
	"github.com/Parth354/HealBridge-sub002/pkg/logging"
)

const dateLayout = "2006-01-02"

// BookingHandler exposes the hold and confirmation engine over HTTP.
type BookingHandler struct {
	engine   *booking.Engine
	logger   *logging.Logger
	loc      *time.Location
	gatherer prometheus.Gatherer
}

// BookingHandlerOption customizes the handler.
type BookingHandlerOption func(*BookingHandler)

// WithLocation sets the zone in which ?date= values are read.
func WithLocation(loc *time.Location) BookingHandlerOption {
	return func(h *BookingHandler) {
		if loc != nil {
			h.loc = loc
		}
	}
}

// WithGatherer sets the registry the stats endpoint reads from.
func WithGatherer(g prometheus.Gatherer) BookingHandlerOption {
	return func(h *BookingHandler) {
		if g != nil {
			h.gatherer = g
		}
	}
}

// NewBookingHandler creates a booking handler.
func NewBookingHandler(engine *booking.Engine, logger *logging.Logger, opts ...BookingHandlerOption) *BookingHandler {
	if engine == nil {
		panic("handlers: booking engine required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &BookingHandler{
		engine:   engine,
		logger:   logger,
		loc:      time.UTC,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PatientRoutes mounts the patient-facing routes. Callers must wrap them with
// middleware.PatientAuth.
func (h *BookingHandler) PatientRoutes(r chi.Router) {
	r.Post("/holds", h.CreateHold)
	r.Get("/holds/{holdID}", h.GetHold)
	r.Delete("/holds/{holdID}", h.ReleaseHold)
	r.Post("/confirm", h.Confirm)
	r.Get("/catalog/{doctorID}/{clinicID}", h.ListAvailable)
	r.Get("/appointments", h.ListMyAppointments)
	r.Post("/appointments/{appointmentID}/cancel", h.CancelAppointment)
}

// AdminRoutes mounts the staff routes.
func (h *BookingHandler) AdminRoutes(r chi.Router) {
	r.Get("/doctors/{doctorID}/appointments", h.ListDoctorAppointments)
	r.Post("/appointments/{appointmentID}/status", h.TransitionAppointment)
	r.Post("/catalog/slots", h.PublishSlots)
	r.Get("/stats", h.Stats)
}

type createHoldRequest struct {
	DoctorID string    `json:"doctor_id"`
	ClinicID string    `json:"clinic_id"`
	StartTS  time.Time `json:"start_ts"`
	EndTS    time.Time `json:"end_ts"`
}

type holdResponse struct {
	HoldID    string             `json:"hold_id"`
	Status    booking.HoldStatus `json:"status"`
	ExpiresAt time.Time          `json:"expires_at"`
	Slot      booking.Slot       `json:"slot"`
}

func newHoldResponse(hold booking.Hold) holdResponse {
	return holdResponse{HoldID: hold.ID, Status: hold.Status, ExpiresAt: hold.ExpiresAt, Slot: hold.Slot}
}

func (h *BookingHandler) CreateHold(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req createHoldRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid json", http.StatusBadRequest)
		return
	}
	slot := booking.Slot{
		DoctorID: strings.TrimSpace(req.DoctorID),
		ClinicID: strings.TrimSpace(req.ClinicID),
		Start:    req.StartTS,
		End:      req.EndTS,
	}
	if !slot.Valid() {
		jsonError(w, "doctor_id, clinic_id, start_ts and end_ts are required", http.StatusBadRequest)
		return
	}
	hold, err := h.engine.Holds.CreateHold(r.Context(), slot, patientID)
	if err != nil {
		h.writeError(w, r, "create_hold", err)
		return
	}
	writeJSON(w, http.StatusCreated, newHoldResponse(hold))
}

func (h *BookingHandler) GetHold(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	hold, err := h.engine.Holds.GetHold(r.Context(), chi.URLParam(r, "holdID"), patientID)
	if err != nil {
		h.writeError(w, r, "get_hold", err)
		return
	}
	writeJSON(w, http.StatusOK, newHoldResponse(hold))
}

func (h *BookingHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if err := h.engine.Holds.ReleaseHold(r.Context(), chi.URLParam(r, "holdID"), patientID); err != nil {
		h.writeError(w, r, "release_hold", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type confirmRequest struct {
	HoldID string `json:"hold_id"`
}

func (h *BookingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.HoldID) == "" {
		jsonError(w, "hold_id is required", http.StatusBadRequest)
		return
	}
	appt, err := h.engine.Confirmer.Confirm(r.Context(), strings.TrimSpace(req.HoldID), patientID)
	if err != nil {
		h.writeError(w, r, "confirm", err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

type slotsResponse struct {
	Date  string         `json:"date"`
	Slots []booking.Slot `json:"slots"`
}

func (h *BookingHandler) ListAvailable(w http.ResponseWriter, r *http.Request) {
	date, ok := h.parseDate(w, r)
	if !ok {
		return
	}
	seq, err := h.engine.Catalog.ListAvailable(r.Context(), chi.URLParam(r, "doctorID"), chi.URLParam(r, "clinicID"), date)
	if err != nil {
		h.writeError(w, r, "list_available", err)
		return
	}
	slots := []booking.Slot{}
	for slot, err := range seq {
		if err != nil {
			h.writeError(w, r, "list_available", err)
			return
		}
		slots = append(slots, slot)
	}
	writeJSON(w, http.StatusOK, slotsResponse{Date: date.Format(dateLayout), Slots: slots})
}

type appointmentsResponse struct {
	Appointments []booking.Appointment `json:"appointments"`
}

func (h *BookingHandler) ListMyAppointments(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	appts, err := h.engine.Ledger.ListByPatient(r.Context(), patientID)
	if err != nil {
		h.writeError(w, r, "list_by_patient", err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentsResponse{Appointments: nonNil(appts)})
}

func (h *BookingHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	patientID, ok := middleware.PatientIDFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	appt, err := h.engine.Ledger.Cancel(r.Context(), chi.URLParam(r, "appointmentID"), patientID)
	if err != nil {
		h.writeError(w, r, "cancel_appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *BookingHandler) ListDoctorAppointments(w http.ResponseWriter, r *http.Request) {
	date, ok := h.parseDate(w, r)
	if !ok {
		return
	}
	appts, err := h.engine.Ledger.ListByDoctor(r.Context(), chi.URLParam(r, "doctorID"), date)
	if err != nil {
		h.writeError(w, r, "list_by_doctor", err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentsResponse{Appointments: nonNil(appts)})
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (h *BookingHandler) TransitionAppointment(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid json", http.StatusBadRequest)
		return
	}
	status, ok := booking.ParseAppointmentStatus(req.Status)
	if !ok {
		jsonError(w, "unknown status", http.StatusBadRequest)
		return
	}
	appt, err := h.engine.Ledger.Transition(r.Context(), chi.URLParam(r, "appointmentID"), status)
	if err != nil {
		h.writeError(w, r, "transition_appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

type publishRequest struct {
	Slots []booking.Slot `json:"slots"`
}

func (h *BookingHandler) PublishSlots(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Slots) == 0 {
		jsonError(w, "slots are required", http.StatusBadRequest)
		return
	}
	if err := h.engine.Catalog.Publish(r.Context(), req.Slots); err != nil {
		h.writeError(w, r, "publish_slots", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"published": len(req.Slots)})
}

func (h *BookingHandler) Stats(w http.ResponseWriter, r *http.Request) {
	snap, err := metrics.SnapshotFrom(h.gatherer)
	if err != nil {
		h.logger.Error("failed to gather booking metrics", "error", err)
		jsonError(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *BookingHandler) parseDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	if raw == "" {
		jsonError(w, "date is required (YYYY-MM-DD)", http.StatusBadRequest)
		return time.Time{}, false
	}
	date, err := time.ParseInLocation(dateLayout, raw, h.loc)
	if err != nil {
		jsonError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return time.Time{}, false
	}
	return date, true
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeError maps engine codes to HTTP statuses. A forbidden confirm is
// reported as 409 so clients treat it like any other rejected confirmation.
func (h *BookingHandler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := booking.CodeOf(err)
	status := statusForCode(code)
	if op == "confirm" && code == booking.CodeForbidden {
		status = http.StatusConflict
	}

	resp := errorResponse{Error: string(code)}
	var be *booking.Error
	if errors.As(err, &be) {
		resp.Reason = be.Reason
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("booking request failed", "op", op, "path", r.URL.Path, "error", err)
		resp.Reason = ""
	}
	writeJSON(w, status, resp)
}

func statusForCode(code booking.Code) int {
	switch code {
	case booking.CodeConflict, booking.CodeInvalidTransition:
		return http.StatusConflict
	case booking.CodeExpired:
		return http.StatusGone
	case booking.CodeForbidden:
		return http.StatusForbidden
	case booking.CodeNotFound:
		return http.StatusNotFound
	case booking.CodeInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func nonNil(appts []booking.Appointment) []booking.Appointment {
	if appts == nil {
		return []booking.Appointment{}
	}
	return appts
}
