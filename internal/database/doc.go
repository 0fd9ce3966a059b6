// Package database provides the SQLite job store for the converter.
//
// Each conversion job has one row holding the state carried by its latest
// progress event. Rows are written by Recorder, which is registered as a
// progress broadcaster, and read by the status endpoint. Once a job's
// terminal event is stored later events for it are ignored until the id is
// registered again.
//
// The database uses WAL mode and applies its schema and migrations on open.
package database
