// Package ehr is the typed client for the CareBridge EHR REST API.
//
// The API exposes one paginated collection:
//
//	GET {base_url}/patients?page_size={n}[&cursor={c}]
//	-> {"patients": [record...], "next_cursor": "..." | null}
//
// A null or absent next_cursor signals end of data. The credential travels
// in a header; the client is built once per sync pass and reused for every
// page request.
package ehr
