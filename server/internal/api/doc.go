// Package api implements the REST query surface of the sightline server.
//
// Routes:
//
//	GET    /api/v1/health         registry size, capacity, TTL and source count
//	GET    /api/v1/servers        live records, best first ([]RecordResponse)
//	GET    /api/v1/servers/{key}  one live record; 404 if unknown or expired
//	DELETE /api/v1/servers/{key}  remove a record (admin key); 204 or 404
//	GET    /servers               legacy alias returning the scanner field names
//
// List endpoints accept q (label substring), min_metric, category and limit.
// Records are ordered by metric descending, then most recently seen, then key.
//
// BuildSnapshot produces the top-N payload that package ws broadcasts.
package api
