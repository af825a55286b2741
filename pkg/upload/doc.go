// Package upload moves large payloads over a live connection in adaptively
// sized chunks.
//
// # Flow
//
//  1. The client announces the upload with FILE_UPLOAD_START (id, name,
//     type, declared size).
//  2. It sends chunks, each a correlated request answered by a
//     FILE_UPLOAD_PROGRESS acknowledgment. Chunks travel either as binary
//     frames or, as a fallback, base64 inside a JSON message.
//  3. After every chunk the Sizer adjusts the next chunk size from the
//     observed round trip.
//  4. FILE_UPLOAD_COMPLETE finalizes. The server accepts it only if the
//     received bytes equal the declared size exactly, then hands the file
//     to a Store and returns its locator.
//
// Cancel is cooperative: a flag checked before each chunk send. A chunk
// already in flight finishes; later ones are not sent.
//
// # Stores
//
// Completed files go to a Store: DiskStore for a local directory, S3Store
// for an S3 bucket, MemoryStore for tests. ServeHandler serves stored
// files back over HTTP.
package upload
