package signal

import "fmt"

// ApplyCallFields applies merge-write field paths to an in-memory call
// record. Backends without native partial-document updates (memory,
// sqlite) read-modify-write through this helper; mongo translates the same
// paths to $set directly.
func ApplyCallFields(rec *CallRecord, fields map[string]any) error {
	for path, v := range fields {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("signal: field %q: unsupported value %T (call record fields are booleans)", path, v)
		}
		switch path {
		case FieldActive:
			rec.Active = b
		case FieldDoctorPresent:
			rec.Participants.Doctor = b
		case FieldPatientPresent:
			rec.Participants.Patient = b
		case FieldDoctorMuted:
			rec.DoctorMuted = b
		case FieldPatientMuted:
			rec.PatientMuted = b
		case FieldDoctorCameraOff:
			rec.DoctorCameraOff = b
		case FieldPatientCameraOff:
			rec.PatientCameraOff = b
		default:
			return fmt.Errorf("signal: unknown call record field %q", path)
		}
	}
	return nil
}

// ApplySessionFields applies merge-write fields to a session record.
// Only the responder-written fields are mutable after creation.
func ApplySessionFields(sess *SessionRecord, fields map[string]any) error {
	for k, v := range fields {
		switch k {
		case "answer":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("signal: session field %q must be a string", k)
			}
			sess.Answer = s
		case "connected":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("signal: session field %q must be a bool", k)
			}
			sess.Connected = b
		default:
			return fmt.Errorf("signal: unknown session field %q", k)
		}
	}
	return nil
}
