/*
Package builder turns scheduled builds into artifacts.

Every builder machine gets one worker goroutine with an unbounded FIFO
queue, so builds on one machine are strictly sequential while different
machines build in parallel. The pool routes each job to the shortest
queue among the builders of its platform and can swap the whole worker
set against the catalog at runtime: retired workers finish the jobs
they already accepted, then exit.

A worker executes one job end to end: catalog transition to RUNNING,
work tree sync at the tag, remote make over SSH, artifact ingestion
into the object store, terminal catalog transition, outcome mail. A
failing job never takes its worker down.
*/
package builder
