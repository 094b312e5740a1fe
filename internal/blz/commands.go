package blz

import "fmt"

// CommandID is the 16-bit frame id carried in every frame header.
type CommandID uint16

// Control frames.
const (
	CmdAck      CommandID = 0x0001
	CmdError    CommandID = 0x0002
	CmdReset    CommandID = 0x0003
	CmdResetAck CommandID = 0x0004
)

// Value, addressing and endpoint frames.
const (
	CmdGetValue              CommandID = 0x0010
	CmdSetValue              CommandID = 0x0011
	CmdGetNodeIDByEUI64      CommandID = 0x0012
	CmdGetEUI64ByNodeID      CommandID = 0x0013
	CmdGetNextZdpSequenceNum CommandID = 0x0014
	CmdAddEndpoint           CommandID = 0x0015
)

// Networking frames.
const (
	CmdGetNetworkState      CommandID = 0x0020
	CmdStartScan            CommandID = 0x0021
	CmdEnergyScanResult     CommandID = 0x0022
	CmdNetworkScanResult    CommandID = 0x0023
	CmdScanComplete         CommandID = 0x0024
	CmdStopScan             CommandID = 0x0025
	CmdFormNetwork          CommandID = 0x0026
	CmdJoinNetwork          CommandID = 0x0027
	CmdLeaveNetwork         CommandID = 0x0028
	CmdPermitJoining        CommandID = 0x0029
	CmdEnergyScanRequest    CommandID = 0x002A
	CmdGetNetworkParameters CommandID = 0x002B
	CmdSetConcentrator      CommandID = 0x0033
	CmdNetworkInit          CommandID = 0x0034
	CmdStackStatus          CommandID = 0x0035
	CmdDeviceJoin           CommandID = 0x0036
	CmdNwkStatus            CommandID = 0x0038
)

// Security frames.
const (
	CmdGetNwkSecurityInfos CommandID = 0x0050
	CmdSetNwkSecurityInfos CommandID = 0x0051
	CmdGetGlobalTcLinkKey  CommandID = 0x0052
	CmdSetGlobalTcLinkKey  CommandID = 0x0053
	CmdGetUniqueTcLinkKey  CommandID = 0x0054
	CmdSetUniqueTcLinkKey  CommandID = 0x0055
)

// APS data frames.
const (
	CmdSendApsData       CommandID = 0x0080
	CmdApsDataConfirm    CommandID = 0x0081
	CmdApsDataIndication CommandID = 0x0082
	CmdSetBootEntry      CommandID = 0x0090
)

// Descriptor is the static wire layout of one command.
type Descriptor struct {
	ID   CommandID
	Name string
	// ResponseID is the id the device answers with; zero for callbacks.
	ResponseID CommandID
	Request    []Field
	Response   []Field
	// Callback marks device-initiated frames that never answer a request.
	Callback bool
}

var statusOnly = []Field{{"status", Uint8}}

// allCommands lists every id in the table, in wire order.
var allCommands = []CommandID{
	CmdAck, CmdError, CmdReset, CmdResetAck,
	CmdGetValue, CmdSetValue, CmdGetNodeIDByEUI64, CmdGetEUI64ByNodeID, CmdGetNextZdpSequenceNum, CmdAddEndpoint,
	CmdGetNetworkState, CmdStartScan, CmdEnergyScanResult, CmdNetworkScanResult, CmdScanComplete, CmdStopScan,
	CmdFormNetwork, CmdJoinNetwork, CmdLeaveNetwork, CmdPermitJoining, CmdEnergyScanRequest, CmdGetNetworkParameters,
	CmdSetConcentrator, CmdNetworkInit, CmdStackStatus, CmdDeviceJoin, CmdNwkStatus,
	CmdGetNwkSecurityInfos, CmdSetNwkSecurityInfos, CmdGetGlobalTcLinkKey, CmdSetGlobalTcLinkKey,
	CmdGetUniqueTcLinkKey, CmdSetUniqueTcLinkKey,
	CmdSendApsData, CmdApsDataConfirm, CmdApsDataIndication, CmdSetBootEntry,
}

// Commands returns every known command id.
func Commands() []CommandID {
	return append([]CommandID(nil), allCommands...)
}

// Lookup returns the descriptor for id.
func Lookup(id CommandID) (Descriptor, error) {
	d, ok := descriptor(id)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: 0x%04X", ErrUnknownCommand, uint16(id))
	}
	return d, nil
}

// LookupName returns the descriptor with the given name.
func LookupName(name string) (Descriptor, error) {
	for _, id := range allCommands {
		d, _ := descriptor(id)
		if d.Name == name {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

func (id CommandID) String() string {
	if d, ok := descriptor(id); ok {
		return d.Name
	}
	return fmt.Sprintf("0x%04X", uint16(id))
}

func descriptor(id CommandID) (Descriptor, bool) {
	d := Descriptor{ID: id, ResponseID: id}
	switch id {
	case CmdAck:
		d.Name = "ack"
		d.Callback = true
	case CmdError:
		d.Name = "error"
		d.Response = []Field{{"errorCode", Uint8}}
		d.Callback = true
	case CmdReset:
		d.Name = "reset"
		d.ResponseID = CmdResetAck
	case CmdResetAck:
		d.Name = "resetAck"
		d.Response = []Field{{"resetReason", Uint8}}
		d.Callback = true
	case CmdGetValue:
		d.Name = "getValue"
		d.Request = []Field{{"valueId", Uint8}}
		d.Response = []Field{{"status", Uint8}, {"valueLength", Uint8}, {"value", Bytes}}
	case CmdSetValue:
		d.Name = "setValue"
		d.Request = []Field{{"valueId", Uint8}, {"valueLength", Uint8}, {"value", Bytes}}
		d.Response = statusOnly
	case CmdGetNodeIDByEUI64:
		d.Name = "getNodeIdByEui64"
		d.Request = []Field{{"eui64", EUI64Field}}
		d.Response = []Field{{"nodeId", Uint16}}
	case CmdGetEUI64ByNodeID:
		d.Name = "getEui64ByNodeId"
		d.Request = []Field{{"nodeId", Uint16}}
		d.Response = []Field{{"eui64", EUI64Field}}
	case CmdGetNextZdpSequenceNum:
		d.Name = "getNextZdpSequenceNum"
		d.Response = []Field{{"sequence", Uint8}}
	case CmdAddEndpoint:
		d.Name = "addEndpoint"
		d.Request = []Field{
			{"endpoint", Uint8}, {"profileId", Uint16}, {"deviceId", Uint16}, {"appFlags", Uint8},
			{"inputClusterCount", Uint8}, {"inputClusterList", List16},
			{"outputClusterCount", Uint8}, {"outputClusterList", List16},
		}
		d.Response = statusOnly
	case CmdGetNetworkState:
		d.Name = "getNetworkState"
		d.Response = []Field{{"status", Uint8}, {"networkState", Uint8}}
	case CmdStartScan:
		d.Name = "startScan"
		d.Request = []Field{{"scanType", Uint8}, {"channelMask", Uint32}, {"duration", Uint8}}
		d.Response = statusOnly
	case CmdEnergyScanResult:
		d.Name = "energyScanResult"
		d.Response = []Field{{"channel", Uint8}, {"rssi", Int8}}
		d.Callback = true
	case CmdNetworkScanResult:
		d.Name = "networkScanResult"
		d.Response = []Field{
			{"channel", Uint8}, {"panId", Uint16}, {"extPanId", EUI64Field}, {"allowingJoin", Uint8},
			{"stackProfile", Uint8}, {"nwkUpdateId", Uint8}, {"lqi", Uint8}, {"rssi", Int8},
		}
		d.Callback = true
	case CmdScanComplete:
		d.Name = "scanComplete"
		d.Response = statusOnly
		d.Callback = true
	case CmdStopScan:
		d.Name = "stopScan"
		d.Response = statusOnly
	case CmdFormNetwork:
		d.Name = "formNetwork"
		d.Request = []Field{{"extPanId", EUI64Field}, {"panId", Uint16}, {"channel", Uint8}}
		d.Response = statusOnly
	case CmdJoinNetwork:
		d.Name = "joinNetwork"
		d.Request = []Field{{"extPanId", EUI64Field}, {"panId", Uint16}, {"channel", Uint8}}
		d.Response = statusOnly
	case CmdLeaveNetwork:
		d.Name = "leaveNetwork"
		d.Response = statusOnly
	case CmdPermitJoining:
		d.Name = "permitJoining"
		d.Request = []Field{{"duration", Uint8}}
		d.Response = statusOnly
	case CmdEnergyScanRequest:
		d.Name = "energyScanRequest"
		d.Request = []Field{{"channelMask", Uint32}, {"duration", Uint8}}
		d.Response = statusOnly
	case CmdGetNetworkParameters:
		d.Name = "getNetworkParameters"
		d.Response = []Field{
			{"status", Uint8}, {"nodeType", Uint8}, {"extPanId", EUI64Field}, {"panId", Uint16},
			{"txPower", Uint8}, {"channel", Uint8}, {"nwkManager", Uint16}, {"nwkUpdateId", Uint8},
			{"channelMask", Uint32},
		}
	case CmdSetConcentrator:
		d.Name = "setConcentrator"
		d.Request = []Field{{"enable", Uint8}}
		d.Response = statusOnly
	case CmdNetworkInit:
		d.Name = "networkInit"
		d.Response = statusOnly
	case CmdStackStatus:
		d.Name = "stackStatus"
		d.Response = statusOnly
		d.Callback = true
	case CmdDeviceJoin:
		d.Name = "deviceJoin"
		d.Response = []Field{{"eui64", EUI64Field}, {"nodeId", Uint16}, {"status", Uint8}}
		d.Callback = true
	case CmdNwkStatus:
		d.Name = "nwkStatus"
		d.Response = []Field{{"status", Uint8}, {"nwkAddr", Uint16}, {"eui64", EUI64Field}}
		d.Callback = true
	case CmdGetNwkSecurityInfos:
		d.Name = "getNwkSecurityInfos"
		d.Response = []Field{{"status", Uint8}, {"nwkKey", KeyField}, {"outgoingFrameCounter", Uint32}, {"nwkKeySeqNum", Uint8}}
	case CmdSetNwkSecurityInfos:
		d.Name = "setNwkSecurityInfos"
		d.Request = []Field{{"nwkKey", KeyField}, {"outgoingFrameCounter", Uint32}, {"nwkKeySeqNum", Uint8}}
		d.Response = statusOnly
	case CmdGetGlobalTcLinkKey:
		d.Name = "getGlobalTcLinkKey"
		d.Response = []Field{{"status", Uint8}, {"linkKey", KeyField}, {"outgoingFrameCounter", Uint32}, {"trustCenterAddress", EUI64Field}}
	case CmdSetGlobalTcLinkKey:
		d.Name = "setGlobalTcLinkKey"
		d.Request = []Field{{"linkKey", KeyField}, {"outgoingFrameCounter", Uint32}}
		d.Response = statusOnly
	case CmdGetUniqueTcLinkKey:
		d.Name = "getUniqueTcLinkKey"
		d.Request = []Field{{"index", Uint16}}
		d.Response = []Field{{"status", Uint8}, {"linkKey", KeyField}, {"outgoingFrameCounter", Uint32}, {"deviceEui64", EUI64Field}}
	case CmdSetUniqueTcLinkKey:
		d.Name = "setUniqueTcLinkKey"
		d.Request = []Field{{"eui64", EUI64Field}, {"linkKey", KeyField}}
		d.Response = statusOnly
	case CmdSendApsData:
		d.Name = "sendApsData"
		d.Request = []Field{
			{"msgType", Uint8}, {"dstShortAddr", Uint16}, {"profileId", Uint16}, {"clusterId", Uint16},
			{"srcEp", Uint8}, {"dstEp", Uint8}, {"txOptions", Uint8}, {"radius", Uint8},
			{"messageTag", Uint32}, {"payloadLen", Uint8}, {"payload", Bytes},
		}
		d.Response = statusOnly
	case CmdApsDataConfirm:
		d.Name = "apsDataConfirm"
		d.Response = []Field{
			{"profileId", Uint16}, {"clusterId", Uint16}, {"dstShortAddr", Uint16}, {"srcEp", Uint8},
			{"dstEp", Uint8}, {"msgType", Uint8}, {"status", Uint8}, {"messageTag", Uint32},
		}
		d.Callback = true
	case CmdApsDataIndication:
		d.Name = "apsDataIndication"
		d.Response = []Field{
			{"profileId", Uint16}, {"clusterId", Uint16}, {"srcShortAddr", Uint16}, {"dstShortAddr", Uint16},
			{"srcEp", Uint8}, {"dstEp", Uint8}, {"msgType", Uint8}, {"lqi", Uint8}, {"rssi", Int8},
			{"messageLength", Uint8}, {"message", Bytes},
		}
		d.Callback = true
	case CmdSetBootEntry:
		d.Name = "setBootEntry"
		d.Request = []Field{{"entry", Uint8}}
		d.Response = statusOnly
	default:
		return Descriptor{}, false
	}
	if d.Callback {
		d.ResponseID = 0
	}
	return d, true
}
