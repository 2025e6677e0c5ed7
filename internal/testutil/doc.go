// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate when constructing event sequences, scripted agents,
// stored threads and instrumented writers, and when decoding SSE output.
// They are not intended for production usage.
package testutil
