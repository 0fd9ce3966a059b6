// Package progress delivers conversion progress events to observers.
//
// A Channel is the producer side: conversion code calls Publish and never
// sees a delivery error. The Channel fans each event out, in order, to its
// Broadcasters:
//
//   - Hub: in-process registry of topic subscribers (WebSocket clients, the CLI)
//   - RedisBroadcaster: publishes to Redis for multi-instance deployments,
//     paired with a RedisRelay that feeds received events into the local Hub
//   - any other Broadcaster, such as the job store recorder
//
// Every job publishes on the topic "conversion/{jobID}". There is no replay:
// a subscriber that joins late only receives subsequent events.
package progress
