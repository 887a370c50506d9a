// Package asdu provides the parts of the IEC 60870-5-101/104 application layer the link layer relies on:
// the data unit identifier codec, cause of transmission constants, the correlation key used to
// match command replies, and constructors for the common commands.
//
// Information elements are left as raw octets; Params.Objects splits them by address.
package asdu
