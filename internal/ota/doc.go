// Package ota implements the firmware update session.
//
// A Session moves through these states:
//
//	INIT --start--> LOAD --last byte--> DONE --> restart
//	                 |  \--write error / oversize--> STOP
//	                 \--finalize error--> ERROR
//	any --stop--> STOP         start with no partition --> FATAL_ERROR
//
// Start, Stop and Write answer through a Responder. Write reports progress
// every chunk_size bytes (a tenth of the image, at most 10 KiB) and always on
// the final chunk. Once the image is finalized and marked bootable the
// session calls its Restarter.
package ota
