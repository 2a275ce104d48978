package coordinator

import (
	"strings"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

const (
	dateLayout = "2006-01-02"
	slotLayout = "15:04"
)

// normalize fills defaults the HTTP layer may leave empty.
func normalize(b *models.Booking) {
	b.ServiceCategory = strings.TrimSpace(b.ServiceCategory)
	b.Pickup.Address = strings.TrimSpace(b.Pickup.Address)
	if b.Kind == "" {
		switch b.ServiceCategory {
		case string(models.BookingFuelDelivery), string(models.BookingSpareParts), string(models.BookingCarRental):
			b.Kind = models.BookingKind(b.ServiceCategory)
		default:
			b.Kind = models.BookingStandard
		}
	}
	if b.PaymentMethod == "" {
		b.PaymentMethod = "cash"
	}
}

// ValidateBooking checks every required field and reports all problems at
// once. It returns nil or a *models.ValidationError.
func ValidateBooking(b models.Booking, now time.Time) error {
	ve := &models.ValidationError{}
	if b.CustomerID == "" {
		ve.Add("customer_id", "required")
	}
	if b.ServiceCategory == "" {
		ve.Add("service_category", "required")
	}
	if b.Price < 0 {
		ve.Add("price", "must not be negative")
	}
	switch b.Kind {
	case models.BookingStandard, models.BookingFuelDelivery, models.BookingSpareParts, models.BookingCarRental:
	default:
		ve.Add("kind", "unknown booking kind")
	}
	if !b.LocationSkipped {
		if b.Pickup.Address == "" {
			ve.Add("pickup.address", "required")
		}
		switch {
		case b.Pickup.IsZero():
			ve.Add("pickup.coordinates", "required unless location is skipped")
		case b.Pickup.Lat < -90 || b.Pickup.Lat > 90 || b.Pickup.Lng < -180 || b.Pickup.Lng > 180:
			ve.Add("pickup.coordinates", "out of range")
		}
	}
	switch b.Kind {
	case models.BookingFuelDelivery:
		if b.FuelType == "" {
			ve.Add("fuel_type", "required for fuel delivery")
		}
	case models.BookingSpareParts:
		if strings.TrimSpace(b.PartDescription) == "" {
			ve.Add("part_description", "required for spare parts")
		}
	case models.BookingCarRental:
		if b.LicenseFront == "" {
			ve.Add("license_front", "required for car rental")
		}
		if b.LicenseBack == "" {
			ve.Add("license_back", "required for car rental")
		}
		if b.IsScheduledRental() {
			if at, ok := scheduledAt(b.Schedule, ve); ok && !at.After(now) {
				ve.Add("schedule", "must be in the future")
			}
		}
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// scheduledAt parses the schedule date and slot start as UTC.
func scheduledAt(s *models.Schedule, ve *models.ValidationError) (time.Time, bool) {
	if s.Date == "" {
		ve.Add("schedule.date", "required for a scheduled rental")
	}
	if s.TimeSlot == "" {
		ve.Add("schedule.time_slot", "required for a scheduled rental")
	}
	if s.Date == "" || s.TimeSlot == "" {
		return time.Time{}, false
	}
	day, err := time.Parse(dateLayout, s.Date)
	if err != nil {
		ve.Add("schedule.date", "expected YYYY-MM-DD")
		return time.Time{}, false
	}
	slot := s.TimeSlot
	if i := strings.IndexAny(slot, " -"); i > 0 {
		slot = slot[:i]
	}
	clock, err := time.Parse(slotLayout, slot)
	if err != nil {
		ve.Add("schedule.time_slot", "expected HH:MM")
		return time.Time{}, false
	}
	return day.Add(time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute), true
}
