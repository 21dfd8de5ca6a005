// Package ruka drives the tendon servos of the RUKA robotic hand.
//
// A fixed-rate control loop turns normalized finger positions
// (0 = open, 1 = curled) into smoothed, rate-limited servo commands,
// using a per-servo calibration of the tendon's taut and curled points.
//
// # Installation
//
//	go install github.com/gwillem/ruka/cmd/ruka@latest
//
// # Usage
//
// Write a configuration and a default calibration:
//
//	ruka init
//
// Then run the controller and its API:
//
//	ruka serve            # or: ruka serve --simulate
//	ruka status
//	ruka monitor
//
// # Packages
//
//   - cmd/ruka: CLI with serve, init, status and monitor commands
//   - pkg/hand: joints, calibration and configuration
//   - pkg/driver: PCA9685, feetech and simulated servo drivers
//   - pkg/motion: command queue and control loop
//   - pkg/server: HTTP and websocket API
//   - pkg/client: client for the API
package ruka
