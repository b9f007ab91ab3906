package rtu

import (
	"encoding/binary"
	"fmt"
)

// Modbus function codes supported by the engine.
const (
	FuncReadCoils              byte = 0x01
	FuncReadDiscreteInputs     byte = 0x02
	FuncReadHoldingRegisters   byte = 0x03
	FuncReadInputRegisters     byte = 0x04
	FuncWriteSingleCoil        byte = 0x05
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleCoils     byte = 0x0F
	FuncWriteMultipleRegisters byte = 0x10
)

// Firmware sub-protocol opcodes. These frames carry no CRC and use fixed
// response lengths; see the firmware transfer implementation.
const (
	FwOpInit  byte = 0x90 // declares total payload size, unlocks flash
	FwOpErase byte = 0x91 // polls erase completion status
	FwOpData  byte = 0x03 // chunked payload transfer (firmware variant of 0x03)
	FwOpDone  byte = 0x99 // finalizes and re-locks flash
	FwOpError byte = 0x05 // device-reported failure, aborts the transfer
)

// Quantity limits per the Modbus application protocol.
const (
	MaxReadQuantity          = 125  // FC 01-04
	MaxWriteRegisterQuantity = 123  // FC 16
	MaxWriteCoilQuantity     = 1968 // FC 15

	// MaxSlaveAddr is the highest address the codec accepts. Conforming
	// devices use 1-247 (0 is broadcast), but the builders allow the full
	// byte range so diagnostic tooling can probe out-of-spec devices.
	MaxSlaveAddr = 255
)

const (
	crcSize   = 2
	errRespLen = 5 // [addr][fc|0x80][exception][crc:2]
	writeRespLen = 8 // fixed echo for FC 05/06/15/16
)

// Frame is a raw Modbus RTU frame: address, function code, payload, and a
// trailing CRC-16 (except firmware sub-protocol frames, which omit it).
type Frame []byte

// Slave returns the slave address byte (frame byte 0).
func (f Frame) Slave() byte {
	if len(f) < 1 {
		return 0
	}
	return f[0]
}

// Function returns the function code byte (frame byte 1).
func (f Frame) Function() byte {
	if len(f) < 2 {
		return 0
	}
	return f[1]
}

// --- CRC ---

// CRC16 computes the CRC-16/Modbus checksum (reflected polynomial 0xA001,
// initial value 0xFFFF) over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}

	return crc
}

// appendCRC appends the CRC over buf to buf, low byte first.
func appendCRC(buf []byte) []byte {
	crc := CRC16(buf)

	return append(buf, byte(crc), byte(crc>>8))
}

// VerifyCRC recomputes the CRC over all but the last two bytes of frame and
// compares it to the trailing CRC field. Frames shorter than 4 bytes can
// never carry a valid CRC and always fail.
func VerifyCRC(frame Frame) bool {
	if len(frame) < 4 {
		return false
	}

	want := binary.LittleEndian.Uint16(frame[len(frame)-crcSize:])

	return CRC16(frame[:len(frame)-crcSize]) == want
}

// --- Request builders ---

func checkQuantity(qty uint16, limit int) error {
	if qty < 1 || int(qty) > limit {
		return fmt.Errorf("%w: quantity %d out of range [1, %d]", ErrInvalidArgument, qty, limit)
	}

	return nil
}

func buildReadRequest(fn byte, slave byte, addr, qty uint16) (Frame, error) {
	if err := checkQuantity(qty, MaxReadQuantity); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 6+crcSize)
	buf = append(buf, slave, fn)
	buf = binary.BigEndian.AppendUint16(buf, addr)
	buf = binary.BigEndian.AppendUint16(buf, qty)

	return appendCRC(buf), nil
}

// BuildReadCoils builds an FC 01 request frame.
func BuildReadCoils(slave byte, addr, qty uint16) (Frame, error) {
	return buildReadRequest(FuncReadCoils, slave, addr, qty)
}

// BuildReadDiscreteInputs builds an FC 02 request frame.
func BuildReadDiscreteInputs(slave byte, addr, qty uint16) (Frame, error) {
	return buildReadRequest(FuncReadDiscreteInputs, slave, addr, qty)
}

// BuildReadHoldingRegisters builds an FC 03 request frame.
func BuildReadHoldingRegisters(slave byte, addr, qty uint16) (Frame, error) {
	return buildReadRequest(FuncReadHoldingRegisters, slave, addr, qty)
}

// BuildReadInputRegisters builds an FC 04 request frame.
func BuildReadInputRegisters(slave byte, addr, qty uint16) (Frame, error) {
	return buildReadRequest(FuncReadInputRegisters, slave, addr, qty)
}

// BuildWriteSingleCoil builds an FC 05 request frame. The coil value is
// encoded as 0xFF00 (on) or 0x0000 (off) per the Modbus specification.
func BuildWriteSingleCoil(slave byte, addr uint16, on bool) (Frame, error) {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}

	buf := make([]byte, 0, 6+crcSize)
	buf = append(buf, slave, FuncWriteSingleCoil)
	buf = binary.BigEndian.AppendUint16(buf, addr)
	buf = binary.BigEndian.AppendUint16(buf, value)

	return appendCRC(buf), nil
}

// BuildWriteSingleRegister builds an FC 06 request frame.
func BuildWriteSingleRegister(slave byte, addr, value uint16) (Frame, error) {
	buf := make([]byte, 0, 6+crcSize)
	buf = append(buf, slave, FuncWriteSingleRegister)
	buf = binary.BigEndian.AppendUint16(buf, addr)
	buf = binary.BigEndian.AppendUint16(buf, value)

	return appendCRC(buf), nil
}

// BuildWriteMultipleCoils builds an FC 15 request frame.
func BuildWriteMultipleCoils(slave byte, addr uint16, values []bool) (Frame, error) {
	qty := uint16(len(values))
	if err := checkQuantity(qty, MaxWriteCoilQuantity); err != nil {
		return nil, err
	}

	byteCount := (len(values) + 7) / 8
	buf := make([]byte, 0, 7+byteCount+crcSize)
	buf = append(buf, slave, FuncWriteMultipleCoils)
	buf = binary.BigEndian.AppendUint16(buf, addr)
	buf = binary.BigEndian.AppendUint16(buf, qty)
	buf = append(buf, byte(byteCount))

	packed := make([]byte, byteCount)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	buf = append(buf, packed...)

	return appendCRC(buf), nil
}

// BuildWriteMultipleRegisters builds an FC 16 request frame.
func BuildWriteMultipleRegisters(slave byte, addr uint16, values []uint16) (Frame, error) {
	qty := uint16(len(values))
	if err := checkQuantity(qty, MaxWriteRegisterQuantity); err != nil {
		return nil, err
	}

	byteCount := len(values) * 2
	buf := make([]byte, 0, 7+byteCount+crcSize)
	buf = append(buf, slave, FuncWriteMultipleRegisters)
	buf = binary.BigEndian.AppendUint16(buf, addr)
	buf = binary.BigEndian.AppendUint16(buf, qty)
	buf = append(buf, byte(byteCount))
	for _, v := range values {
		buf = binary.BigEndian.AppendUint16(buf, v)
	}

	return appendCRC(buf), nil
}

// --- Firmware sub-protocol builders ---
//
// Firmware frames are [addr][opcode][payload...] with no CRC. The device
// answers with a fixed 65-byte response, except Init which echoes a single
// byte.

// BuildFirmwareInit builds the Init frame declaring the total image size.
func BuildFirmwareInit(slave byte, totalSize uint32) Frame {
	buf := make([]byte, 0, 6)
	buf = append(buf, slave, FwOpInit)

	return binary.BigEndian.AppendUint32(buf, totalSize)
}

// BuildFirmwareEraseConfirm builds the erase status poll frame.
func BuildFirmwareEraseConfirm(slave byte) Frame {
	return Frame{slave, FwOpErase}
}

// BuildFirmwareData builds one chunked data frame. The chunk length is
// carried in a single byte, so chunks are limited to 255 bytes.
func BuildFirmwareData(slave byte, chunk []byte) (Frame, error) {
	if len(chunk) < 1 || len(chunk) > 255 {
		return nil, fmt.Errorf("%w: firmware chunk length %d out of range [1, 255]",
			ErrInvalidArgument, len(chunk))
	}

	buf := make([]byte, 0, 3+len(chunk))
	buf = append(buf, slave, FwOpData, byte(len(chunk)))

	return append(buf, chunk...), nil
}

// BuildFirmwareDone builds the finalize frame.
func BuildFirmwareDone(slave byte) Frame {
	return Frame{slave, FwOpDone}
}

// --- Response parsing ---

// Response is a decoded Modbus RTU response frame.
//
// Data holds the payload between the function code and the CRC. For read
// responses it includes the leading byte-count byte; use the accessor
// methods to decode values.
type Response struct {
	Slave    byte
	Function byte
	Data     []byte
}

// ParseResponse decodes a received frame into a Response.
//
// The frame must have passed CRC verification already (the framing machine
// discards corrupt frames before they reach this point); ParseResponse
// validates structure only. A response with the function code's high bit set
// yields an *ExceptionError carrying the device's exception code.
func ParseResponse(frame Frame) (*Response, error) {
	if len(frame) < errRespLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}

	slave := frame[0]
	fn := frame[1]

	if fn&0x80 != 0 {
		return nil, &ExceptionError{
			Slave:    slave,
			Function: fn &^ 0x80,
			Code:     ExceptionCode(frame[2]),
		}
	}

	data := make([]byte, len(frame)-2-crcSize)
	copy(data, frame[2:len(frame)-crcSize])

	return &Response{Slave: slave, Function: fn, Data: data}, nil
}

// Registers decodes the response payload of a register read (FC 03/04) into
// big-endian 16-bit values.
func (r *Response) Registers() ([]uint16, error) {
	if len(r.Data) < 1 {
		return nil, fmt.Errorf("%w: missing byte count", ErrFrameTooShort)
	}

	count := int(r.Data[0])
	if count%2 != 0 || len(r.Data) < 1+count {
		return nil, fmt.Errorf("rtu: declared byte count %d does not match payload length %d",
			count, len(r.Data)-1)
	}

	regs := make([]uint16, count/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(r.Data[1+i*2:])
	}

	return regs, nil
}

// Uint16 decodes a single-register read response.
func (r *Response) Uint16() (uint16, error) {
	regs, err := r.Registers()
	if err != nil {
		return 0, err
	}
	if len(regs) != 1 {
		return 0, fmt.Errorf("rtu: expected 1 register, got %d", len(regs))
	}

	return regs[0], nil
}

// Bits decodes the response payload of a coil or discrete-input read
// (FC 01/02) into qty booleans, LSB first within each byte.
func (r *Response) Bits(qty int) ([]bool, error) {
	if len(r.Data) < 1 {
		return nil, fmt.Errorf("%w: missing byte count", ErrFrameTooShort)
	}

	count := int(r.Data[0])
	if len(r.Data) < 1+count || count*8 < qty {
		return nil, fmt.Errorf("rtu: declared byte count %d cannot hold %d bits", count, qty)
	}

	bits := make([]bool, qty)
	for i := range bits {
		bits[i] = r.Data[1+i/8]&(1<<(i%8)) != 0
	}

	return bits, nil
}

// EchoAddress returns the register (or coil) address echoed by a write
// response (FC 05/06/15/16).
func (r *Response) EchoAddress() (uint16, error) {
	if len(r.Data) < 2 {
		return 0, fmt.Errorf("%w: write echo payload", ErrFrameTooShort)
	}

	return binary.BigEndian.Uint16(r.Data[0:2]), nil
}

// EchoValue returns the value (FC 05/06) or quantity (FC 15/16) echoed by a
// write response.
func (r *Response) EchoValue() (uint16, error) {
	if len(r.Data) < 4 {
		return 0, fmt.Errorf("%w: write echo payload", ErrFrameTooShort)
	}

	return binary.BigEndian.Uint16(r.Data[2:4]), nil
}
