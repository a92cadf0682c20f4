package appointment

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

var (
	phoneStrip  = regexp.MustCompile(`[\s\-()]`)
	phoneMobile = regexp.MustCompile(`^0[456]\d{7}$`)
	phoneFixed  = regexp.MustCompile(`^222\d{6}$`)
)

// NormalizePhone returns the national form of a Republic of Congo number
// (mobile 0[456]XXXXXXX or Brazzaville landline 222XXXXXX) and whether it is valid.
func NormalizePhone(raw string) (string, bool) {
	cleaned := phoneStrip.ReplaceAllString(raw, "")
	for _, prefix := range []string{"+242", "00242", "242"} {
		if strings.HasPrefix(cleaned, prefix) {
			cleaned = cleaned[len(prefix):]
			break
		}
	}
	if phoneMobile.MatchString(cleaned) || phoneFixed.MatchString(cleaned) {
		return cleaned, true
	}
	return "", false
}

func validatePhone(fl validator.FieldLevel) bool {
	_, ok := NormalizePhone(fl.Field().String())
	return ok
}

func validateConsultation(fl validator.FieldLevel) bool {
	return ConsultationType(fl.Field().String()).Valid()
}

var fieldMessages = map[string]string{
	"required":     "is required",
	"email":        "must be a valid email address",
	"max":          "is too long",
	"phone_cg":     "must be a Congo phone number: 06 XXX XX XX, 05 XXX XX XX, 04 XXX XX XX or 222 XX XX XX",
	"consultation": "must be one of general, specialized, follow_up, emergency",
	"oneof":        "has an unsupported value",
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	if err := v.RegisterValidation("phone_cg", validatePhone); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("consultation", validateConsultation); err != nil {
		panic(err)
	}
	return v
}

var validate = newValidator()

// validateStruct runs tag validation and reports the first failing field.
func validateStruct(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		msg := fieldMessages[e.Tag()]
		if msg == "" {
			msg = "is invalid"
		}
		return &ValidationError{Field: e.Field(), Message: msg}
	}
	return &ValidationError{Message: err.Error()}
}

// checkSlotTime validates a requested slot against the clinic calendar: in
// the future, inside the booking horizon and on a slot boundary of an open day.
func (s *Service) checkSlotTime(slot clinic.Slot, now time.Time, dateField, timeField string) error {
	if slot.Date.IsZero() {
		return invalid(dateField, "is required")
	}
	loc := s.schedule.Location
	start := slot.Start(loc)
	if !start.After(now) {
		return invalid(dateField, "must be in the future")
	}
	horizon := clinic.DateOf(now.In(loc).Add(s.opts.MaxAdvance))
	if slot.Date.After(horizon) {
		return invalid(dateField, "cannot be more than %d days ahead", int(s.opts.MaxAdvance.Hours()/24))
	}
	if len(s.schedule.SlotStarts(slot.Date)) == 0 {
		return invalid(dateField, "the clinic is closed on %s", slot.Date)
	}
	if !s.schedule.IsSlotStart(slot.Date, slot.Time) {
		return invalid(timeField, "%s is outside opening hours or not a slot boundary", slot.Time)
	}
	return nil
}

// cleanText drops NUL bytes and invalid UTF-8 from free text. PostgreSQL
// refuses both in TEXT columns.
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

// clean applies cleanText to every free-text field of a.
func (a *Appointment) clean() {
	for _, f := range []*string{
		&a.PatientFirstName, &a.PatientLastName, &a.PatientEmail, &a.Reason,
		&a.RejectionReason, &a.AdminMessage, &a.PatientMessage, &a.CancellationReason,
	} {
		*f = cleanText(*f)
	}
}

// checkNotice enforces the patient notice period before cancel or modify.
func (s *Service) checkNotice(a Appointment, now time.Time) error {
	if a.Slot().Start(s.schedule.Location).Sub(now) <= s.opts.CancelNotice {
		return invalid("date", "changes require more than %d hours notice before the appointment", int(s.opts.CancelNotice.Hours()))
	}
	return nil
}
