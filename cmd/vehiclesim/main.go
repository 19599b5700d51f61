// Package main provides a canned telematics upstream for testing the bridge.
// It serves electric status, location, and odometer payloads in the shape the
// real vehicle API returns, plus a failure-injection endpoint for exercising
// retries and the circuit breaker.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "vehiclesim", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	// /__status/{code} returns an arbitrary HTTP status code.
	// Useful for testing error handling, retries, and the breaker.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "2")
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	http.HandleFunc("/authenticate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"token":      "sim-session-token",
			"expiration": time.Now().Add(1 * time.Hour).UTC().Format(time.RFC3339),
		})
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/remoteControl/status"):
			writeJSON(w, electricStatus())
		case strings.HasSuffix(r.URL.Path, "/location"):
			writeJSON(w, location())
		case strings.HasSuffix(r.URL.Path, "/odometer"):
			writeJSON(w, odometer())
		default:
			// Echo request details, useful for verifying routing,
			// header injection, and prefix stripping.
			writeJSON(w, map[string]interface{}{
				"service":     *name,
				"method":      r.Method,
				"path":        r.URL.Path,
				"query":       r.URL.RawQuery,
				"remote_addr": r.RemoteAddr,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
			})
		}
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func electricStatus() map[string]interface{} {
	return map[string]interface{}{
		"payload": map[string]interface{}{
			"vehicleInfo": map[string]interface{}{
				"chargeInfo": map[string]interface{}{
					"chargeRemainingAmount": 85,
					"chargingStatus":        "chargeComplete",
					"evRange":               320.5,
				},
				"lastUpdateTimestamp": time.Now().UTC().Format(time.RFC3339),
			},
		},
	}
}

func location() map[string]interface{} {
	return map[string]interface{}{
		"payload": map[string]interface{}{
			"vehicleInfo": map[string]interface{}{
				"location": map[string]interface{}{
					"lat": 52.520008,
					"lon": 13.404954,
				},
			},
		},
	}
}

func odometer() map[string]interface{} {
	return map[string]interface{}{
		"payload": map[string]interface{}{
			"vehicleInfo": map[string]interface{}{
				"odometer": map[string]interface{}{
					"value": 15432.5,
					"unit":  "km",
				},
			},
		},
	}
}
