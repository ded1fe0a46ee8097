package obd

// Data Identifiers understood by the vLinker dongle. A DID query is the
// ASCII command "22" + DID; the positive response echoes "62" + DID.
const (
	DIDSOC         = "B046"
	DIDSOH         = "B061"
	DIDVoltage     = "B042"
	DIDCurrent     = "B043"
	DIDBatteryTemp = "B056"
)

// Poll and query commands.
const (
	CmdQuerySOC         = "22" + DIDSOC
	CmdQuerySOH         = "22" + DIDSOH
	CmdQueryVoltage     = "22" + DIDVoltage
	CmdQueryCurrent     = "22" + DIDCurrent
	CmdQueryBatteryTemp = "22" + DIDBatteryTemp
)

// InitSequence is the fixed dongle configuration command list, applied once
// per connection in this exact order: reset, set defaults, echo off,
// spaces off, headers off, linefeeds off.
var InitSequence = []string{"ATZ", "ATD", "ATE0", "ATS0", "ATH0", "ATL0"}

// QueryCommands lists all DID queries, in poll-rotation order (SOC first).
var QueryCommands = []string{
	CmdQuerySOC,
	CmdQuerySOH,
	CmdQueryVoltage,
	CmdQueryCurrent,
	CmdQueryBatteryTemp,
}
