package storage

import (
	"sort"

	"github.com/cyp0633/libitip/calendar"
)

// ComputeTriggers materializes one trigger per alarm, ordered by user and time.
func ComputeTriggers(event calendar.Event, alarms map[int][]calendar.Alarm) ([]calendar.AlarmTrigger, error) {
	var triggers []calendar.AlarmTrigger
	for userID, userAlarms := range alarms {
		for _, a := range userAlarms {
			t, err := a.TriggerTime(event)
			if err != nil {
				return nil, &Error{Type: ErrInvalidInput, Message: "cannot compute alarm trigger", Err: err}
			}
			triggers = append(triggers, calendar.AlarmTrigger{
				EventID:  event.ID,
				UserID:   userID,
				AlarmUID: a.UID,
				Time:     t,
			})
		}
	}
	sort.Slice(triggers, func(i, j int) bool {
		if triggers[i].UserID != triggers[j].UserID {
			return triggers[i].UserID < triggers[j].UserID
		}
		return triggers[i].Time.Before(triggers[j].Time)
	})
	return triggers, nil
}
