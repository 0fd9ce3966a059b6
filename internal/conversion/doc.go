/*
Package conversion runs conversion jobs.

A job stages its upload, then tries each configured strategy in order
until one leaves a non-empty output file. Strategies report progress through
an emit callback that can only produce processing events; the orchestrator
publishes the single terminal event for the job, complete at 100 or error at
the last reported percent, and then removes the staged input.

Jobs started with Start run detached from the request that created them and
are interrupted only when the orchestrator's base context ends.
*/
package conversion
