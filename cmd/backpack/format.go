package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/srg/backpack/internal/backpack"
	"github.com/srg/backpack/internal/protocol"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Capability names in bit order, as printed by info.
var (
	sensorNames    = newNameTable()
	processedNames = newNameTable()
)

func newNameTable() *orderedmap.OrderedMap[protocol.AttributeID, string] {
	return orderedmap.New[protocol.AttributeID, string]()
}

func init() {
	sensorNames.Set(protocol.SensorTemperature, "temperature")
	sensorNames.Set(protocol.SensorHumidity, "humidity")
	sensorNames.Set(protocol.SensorSkinTemp, "skin-temperature")
	sensorNames.Set(protocol.SensorSkinHumidity, "skin-humidity")
	sensorNames.Set(protocol.SensorAccelX, "accel-x")
	sensorNames.Set(protocol.SensorAccelY, "accel-y")
	sensorNames.Set(protocol.SensorAccelZ, "accel-z")
	sensorNames.Set(protocol.SensorGyroX, "gyro-x")
	sensorNames.Set(protocol.SensorGyroY, "gyro-y")
	sensorNames.Set(protocol.SensorGyroZ, "gyro-z")
	sensorNames.Set(protocol.SensorMPUTemp, "mpu-temperature")

	processedNames.Set(protocol.ProcessedSkin, "skin")
	processedNames.Set(protocol.ProcessedApparent, "apparent")
	processedNames.Set(protocol.ProcessedFeelsLike, "feels-like")
	processedNames.Set(protocol.ProcessedHumidex, "humidex")
	processedNames.Set(protocol.ProcessedCompensationMode, "compensation-mode")
	processedNames.Set(protocol.ProcessedTranspiration, "transpiration")
	processedNames.Set(protocol.ProcessedOnBodyState, "onbody-state")
}

// maskNames lists the named bits set in mask. Reserved bits are skipped.
func maskNames(mask uint16, names *orderedmap.OrderedMap[protocol.AttributeID, string]) []string {
	var out []string
	for pair := names.Oldest(); pair != nil; pair = pair.Next() {
		if protocol.AttributeID(mask)&pair.Key != 0 {
			out = append(out, pair.Value)
		}
	}
	return out
}

// deviceInfo is what info prints.
type deviceInfo struct {
	Address       string
	Version       string
	SensorMask    uint16
	ProcessedMask uint16
	LoggedMask    uint32
	LogState      backpack.LogState
	LogRemaining  time.Duration
}

func writeInfo(w io.Writer, info deviceInfo) {
	list := func(names []string) string {
		if len(names) == 0 {
			return "none"
		}
		return strings.Join(names, ", ")
	}

	fmt.Fprintf(w, "Device:           %s\n", info.Address)
	fmt.Fprintf(w, "Firmware:         %s\n", info.Version)
	fmt.Fprintf(w, "Sensor readings:  0x%04x (%s)\n", info.SensorMask, list(maskNames(info.SensorMask, sensorNames)))
	fmt.Fprintf(w, "Processed values: 0x%04x (%s)\n", info.ProcessedMask, list(maskNames(info.ProcessedMask, processedNames)))
	fmt.Fprintf(w, "Logged values:    0x%08x\n", info.LoggedMask)
	fmt.Fprintf(w, "Log:              %s\n", formatLogState(info.LogState, info.LogRemaining))
}

func formatLogState(state backpack.LogState, remaining time.Duration) string {
	if state == backpack.LogClearing {
		return fmt.Sprintf("%s (%s left)", state, remaining.Round(time.Second))
	}
	return state.String()
}

// milli formats a milli-unit value with two decimals.
func milli(v int32) string {
	return fmt.Sprintf("%.2f", float64(v)/1000)
}

// formatSensor renders the decoded fields of a sensor readings sample.
// Temperatures are in °C and humidities in %RH.
func formatSensor(r protocol.SensorReadings) string {
	var parts []string
	if r.Fields&protocol.SensorTemperature != 0 {
		parts = append(parts, "T="+milli(r.Temperature)+"°C")
	}
	if r.Fields&protocol.SensorHumidity != 0 {
		parts = append(parts, "RH="+milli(r.Humidity)+"%")
	}
	if r.Fields&protocol.SensorSkinTemp != 0 {
		parts = append(parts, "Tskin="+milli(r.SkinTemperature)+"°C")
	}
	if r.Fields&protocol.SensorSkinHumidity != 0 {
		parts = append(parts, "RHskin="+milli(r.SkinHumidity)+"%")
	}
	if r.Fields&(protocol.SensorAccelX|protocol.SensorAccelY|protocol.SensorAccelZ) != 0 {
		parts = append(parts, fmt.Sprintf("accel=%d,%d,%d", r.Accel[0], r.Accel[1], r.Accel[2]))
	}
	if r.Fields&(protocol.SensorGyroX|protocol.SensorGyroY|protocol.SensorGyroZ) != 0 {
		parts = append(parts, fmt.Sprintf("gyro=%d,%d,%d", r.Gyro[0], r.Gyro[1], r.Gyro[2]))
	}
	return strings.Join(parts, " ")
}

func formatProcessed(p protocol.ProcessedValues) string {
	var parts []string
	add := func(field protocol.AttributeID, name string, v float32) {
		if p.Fields&field != 0 {
			parts = append(parts, fmt.Sprintf("%s=%.1f°C", name, v))
		}
	}
	add(protocol.ProcessedSkin, "skin", p.Skin)
	add(protocol.ProcessedApparent, "apparent", p.Apparent)
	add(protocol.ProcessedFeelsLike, "feels-like", p.FeelsLike)
	add(protocol.ProcessedHumidex, "humidex", p.Humidex)
	return strings.Join(parts, " ")
}

var (
	labelReading   = color.New(color.FgCyan).SprintFunc()
	labelProcessed = color.New(color.FgGreen).SprintFunc()
	labelEvent     = color.New(color.FgYellow).SprintFunc()
	labelAlert     = color.New(color.FgRed, color.Bold).SprintFunc()
)

// formatEvent renders one monitor line, or "" for events monitor does not
// show.
func formatEvent(ev backpack.Event) string {
	ts := ev.Time.Format("15:04:05.000")
	switch ev.Kind {
	case backpack.EventSensorReadings:
		return fmt.Sprintf("%s %s %s", ts, labelReading("sensor   "), formatSensor(ev.Sensor))
	case backpack.EventProcessedValues:
		return fmt.Sprintf("%s %s %s", ts, labelProcessed("processed"), formatProcessed(ev.Processed))
	case backpack.EventAirTouch:
		phase := "stop"
		if ev.Start {
			phase = "start"
		}
		return fmt.Sprintf("%s %s %s", ts, labelEvent("airtouch "), phase)
	case backpack.EventOnBody:
		state := "off body"
		if ev.OnBody {
			state = "on body"
		}
		return fmt.Sprintf("%s %s %s", ts, labelEvent("onbody   "), state)
	case backpack.EventLogInterrupted:
		return fmt.Sprintf("%s %s firmware reset the log to %s", ts, labelAlert("log      "), ev.LogState)
	case backpack.EventAvailability:
		state := "unavailable"
		if ev.Available {
			state = "available"
		}
		return fmt.Sprintf("%s %s %s %s", ts, labelEvent("service  "), ev.Service, state)
	}
	return ""
}

// stat accumulates min, mean and max of one series.
type stat struct {
	n             int
	min, max, sum float64
}

func (s *stat) add(v float64) {
	if s.n == 0 {
		s.min, s.max = v, v
	}
	s.min = math.Min(s.min, v)
	s.max = math.Max(s.max, v)
	s.sum += v
	s.n++
}

func (s *stat) String() string {
	if s.n == 0 {
		return "-"
	}
	return fmt.Sprintf("min %.2f  mean %.2f  max %.2f", s.min, s.sum/float64(s.n), s.max)
}

// writeSummary prints statistics over the recorded history.
func writeSummary(w io.Writer, samples []backpack.Sample) {
	if len(samples) == 0 {
		fmt.Fprintln(w, "No readings recorded")
		return
	}

	var sensor, processed int
	var temp, hum, skin, feels stat
	for _, s := range samples {
		switch s.Kind {
		case backpack.EventSensorReadings:
			sensor++
			if s.Sensor.Fields&protocol.SensorTemperature != 0 {
				temp.add(float64(s.Sensor.Temperature) / 1000)
			}
			if s.Sensor.Fields&protocol.SensorHumidity != 0 {
				hum.add(float64(s.Sensor.Humidity) / 1000)
			}
			if s.Sensor.Fields&protocol.SensorSkinTemp != 0 {
				skin.add(float64(s.Sensor.SkinTemperature) / 1000)
			}
		case backpack.EventProcessedValues:
			processed++
			if s.Processed.Fields&protocol.ProcessedFeelsLike != 0 {
				feels.add(float64(s.Processed.FeelsLike))
			}
		}
	}

	span := samples[len(samples)-1].Time.Sub(samples[0].Time).Round(time.Second)
	fmt.Fprintf(w, "Summary of the last %d readings over %s (%d sensor, %d processed)\n", len(samples), span, sensor, processed)
	fmt.Fprintf(w, "  temperature °C:      %s\n", &temp)
	fmt.Fprintf(w, "  humidity %%RH:        %s\n", &hum)
	fmt.Fprintf(w, "  skin temperature °C: %s\n", &skin)
	fmt.Fprintf(w, "  feels-like °C:       %s\n", &feels)
}
