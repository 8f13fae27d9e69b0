// Package mqtt connects Marchog Core to the message broker that bus-native
// devices (microcontrollers, audio nodes) speak.
//
// The client wraps paho.mqtt.golang and adds:
//   - non-blocking start with automatic reconnect (exponential backoff
//     from mqtt.reconnect.initial_delay up to max_delay)
//   - subscriptions tracked locally and restored on every reconnect,
//     including ones made before the first connection succeeded
//   - a retained Last Will on {root}/system/status so observers see the
//     core go offline
//   - panic recovery around message handlers
//
// Topic builders for the {root}/screen|type|zone|room|all|... hierarchy
// live in topics.go and are shared with the router.
//
// Usage:
//
//	client := mqtt.New(cfg.MQTT)
//	client.SetLogger(logger)
//	client.Start()
//	if err := client.WaitConnected(ctx); err != nil {
//	    logger.Warn("broker unavailable, retrying in background", "error", err)
//	}
//	defer client.Close()
package mqtt
