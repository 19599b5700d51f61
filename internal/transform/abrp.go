// Package transform converts telematics vehicle payloads into A Better
// Route Planner (ABRP) telemetry. The electric status payload is
// required; location and odometer telemetry enrich the result when
// present but are never required.
package transform

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/evbridge/telebridge/internal/apierror"
)

// Telemetry is the ABRP telemetry record produced for each vehicle.
type Telemetry struct {
	UTC             int64    `json:"utc"`
	SOC             float64  `json:"soc"`
	Lat             *float64 `json:"lat,omitempty"`
	Lon             *float64 `json:"lon,omitempty"`
	IsCharging      *bool    `json:"is_charging,omitempty"`
	IsParked        *bool    `json:"is_parked,omitempty"`
	Odometer        *float64 `json:"odometer,omitempty"`
	EstBatteryRange *float64 `json:"est_battery_range,omitempty"`
	Version         string   `json:"version"`
}

type electricStatusResponse struct {
	Payload struct {
		VehicleInfo struct {
			ChargeInfo struct {
				ChargeRemainingAmount *float64 `json:"chargeRemainingAmount"`
				ChargingStatus        *string  `json:"chargingStatus"`
				EVRange               *float64 `json:"evRange"`
			} `json:"chargeInfo"`
			LastUpdateTimestamp string `json:"lastUpdateTimestamp"`
		} `json:"vehicleInfo"`
	} `json:"payload"`
}

type locationResponse struct {
	Payload struct {
		VehicleInfo struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lon float64 `json:"lon"`
			} `json:"location"`
		} `json:"vehicleInfo"`
	} `json:"payload"`
}

type telemetryResponse struct {
	Payload struct {
		VehicleInfo struct {
			Odometer *struct {
				Value *float64 `json:"value"`
			} `json:"odometer"`
		} `json:"vehicleInfo"`
	} `json:"payload"`
}

// ToABRP builds an ABRP telemetry record from raw upstream payloads.
// electricStatus must parse and carry a state of charge; locationJSON
// and telemetryJSON may be nil or malformed without failing the
// conversion.
func ToABRP(electricStatus []byte, locationJSON, telemetryJSON []byte, version string) (*Telemetry, error) {
	var es electricStatusResponse
	if err := json.Unmarshal(electricStatus, &es); err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, apierror.CodeValidation,
			"failed to parse electric status", err)
	}

	charge := es.Payload.VehicleInfo.ChargeInfo
	if charge.ChargeRemainingAmount == nil {
		return nil, apierror.New(apierror.KindValidation, apierror.CodeValidation,
			"electric status has no state of charge")
	}

	out := &Telemetry{
		UTC:     ParseTimestamp(es.Payload.VehicleInfo.LastUpdateTimestamp),
		SOC:     *charge.ChargeRemainingAmount,
		Version: version,
	}
	if charge.ChargingStatus != nil {
		charging := IsChargingStatus(*charge.ChargingStatus)
		out.IsCharging = &charging
	}
	if charge.EVRange != nil {
		out.EstBatteryRange = charge.EVRange
	}

	if len(locationJSON) > 0 {
		var loc locationResponse
		if err := json.Unmarshal(locationJSON, &loc); err == nil {
			lat, lon := loc.Payload.VehicleInfo.Location.Lat, loc.Payload.VehicleInfo.Location.Lon
			out.Lat, out.Lon = &lat, &lon
		}
	}

	if len(telemetryJSON) > 0 {
		var tel telemetryResponse
		if err := json.Unmarshal(telemetryJSON, &tel); err == nil {
			if odo := tel.Payload.VehicleInfo.Odometer; odo != nil && odo.Value != nil {
				out.Odometer = odo.Value
			}
		}
	}

	return out, nil
}

// ParseTimestamp converts an ISO 8601 timestamp to Unix seconds. An
// unparseable timestamp falls back to the current time rather than
// failing the whole conversion.
func ParseTimestamp(iso string) int64 {
	if t, err := time.Parse(time.RFC3339, iso); err == nil {
		return t.Unix()
	}
	return time.Now().Unix()
}

// IsChargingStatus interprets a charging status string. Negative markers
// win over positive ones so "NOT_CHARGING" never reads as charging.
func IsChargingStatus(status string) bool {
	upper := strings.ToUpper(status)
	if strings.Contains(upper, "NOT") || strings.Contains(upper, "DISCONNECT") {
		return false
	}
	return strings.Contains(upper, "CHARGING") || strings.Contains(upper, "CONNECTED")
}
