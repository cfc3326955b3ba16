// Package registry implements api.Registry, the directory that lets publishers and
// subscribers of a service find each other.
//
// Memory keeps everything in process and suits tests and single-process pipelines. Dir keeps
// one directory per service under a shared root so that unrelated processes on the same host
// can discover each other:
//
//	<root>/<service key>/service.json
//	<root>/<service key>/<endpoint id>.ep.json
//
// Every file is written to a temporary name and renamed into place, so readers never observe
// a partially written record. Reaper removes endpoints whose owning process is gone.
package registry
