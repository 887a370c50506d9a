/*
Package apci implements the link-layer framing of IEC 60870-5-104.

Every APDU starts with the start byte 0x68 and a length octet counting the four control octets
and the optional ASDU. There is no checksum or end octet; TCP provides integrity.

	| 0x68 | length | CF1 | CF2 | CF3 | CF4 | ASDU (I-frames only, 1..249 octets) |

The low bits of CF1 select the format:

	I-frame:  CF1 bit0 = 0      N(S) = CF1>>1 | CF2<<7, N(R) = CF3>>1 | CF4<<7
	S-frame:  CF1 = 0x01        N(R) = CF3>>1 | CF4<<7
	U-frame:  CF1 bits0-1 = 11  one of STARTDT, STOPDT, TESTFR act/con

Sequence numbers are 15 bits wide and wrap at 32768, see SeqNum.

Decode and Encode work on complete frames. Reader reads frames off a stream, typically a
net.Conn, and keeps the stream aligned across U-frames carrying an unknown function so that
the caller can log and skip them.
*/
package apci
