// Package api provides the exchange REST calls the stream manager needs:
// creating, keeping alive and closing user data stream listen keys.
//
// Listen key paths per segment:
//   - Spot: /api/v3/userDataStream
//   - Margin: /sapi/v1/userDataStream (isolated: /sapi/v1/userDataStream/isolated?symbol=)
//   - Futures: /fapi/v1/listenKey, coin futures: /dapi/v1/listenKey
//
// Requests carry the API key in the X-MBX-APIKEY header; no signature is needed.
package api
