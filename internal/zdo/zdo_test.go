package zdo

import (
	"bytes"
	"testing"

	"blz-host/internal/blz"
)

func TestAdjust(t *testing.T) {
	bind14 := bytes.Repeat([]byte{0xAB}, 14)
	bind21 := bytes.Repeat([]byte{0xCD}, 21)

	tests := []struct {
		name    string
		cluster uint16
		nwk     uint16
		in      []byte
		want    []byte
	}{
		{"leave appends zero", LeaveRequest, 0x1122, []byte{1, 2, 3, 4, 5, 6, 7, 8, 0x00}, []byte{1, 2, 3, 4, 5, 6, 7, 8, 0x00, 0x00}},
		{"multicast bind appends zero", BindRequest, 0x1122, bind14, append(bytes.Clone(bind14), 0x00)},
		{"unicast bind untouched", BindRequest, 0x1122, bind21, bind21},
		{"multicast unbind appends zero", UnbindRequest, 0x1122, bind14, append(bytes.Clone(bind14), 0x00)},
		{"permit joining prepends nwk", PermitJoiningRequest, 0x1122, []byte{0xFE, 0x01}, []byte{0x22, 0x11, 0xFE, 0x01}},
		{"lqi table prepends nwk", LQITableRequest, 0xFFFC, []byte{0x00}, []byte{0xFC, 0xFF, 0x00}},
		{"routing table prepends nwk", RoutingTableRequest, 0x0001, []byte{0x02}, []byte{0x01, 0x00, 0x02}},
		{"binding table prepends nwk", BindingTableRequest, 0xABCD, []byte{0x00}, []byte{0xCD, 0xAB, 0x00}},
		{"nwk update prepends nwk", NwkUpdateRequest, 0xFFFD, []byte{0x00, 0x08, 0x00, 0x00, 0xFE}, []byte{0xFD, 0xFF, 0x00, 0x08, 0x00, 0x00, 0xFE}},
		{"server discovery prepends nwk", SystemServerDiscoveryRequest, 0xFFFD, []byte{0x40, 0x00}, []byte{0xFD, 0xFF, 0x40, 0x00}},
		{"node descriptor untouched", NodeDescriptorRequest, 0x1122, []byte{0x22, 0x11}, []byte{0x22, 0x11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := bytes.Clone(tt.in)
			got := Adjust(tt.cluster, tt.nwk, in)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got %X, want %X", got, tt.want)
			}
			if !bytes.Equal(in, tt.in) {
				t.Errorf("input mutated: %X", in)
			}
		})
	}
}

func TestAdjustDoesNotAlias(t *testing.T) {
	in := make([]byte, 3, 16)
	out := Adjust(NodeDescriptorRequest, 0, in)
	out[0] = 0xFF
	if in[0] != 0 {
		t.Error("output aliases input")
	}
}

func TestResponseCluster(t *testing.T) {
	tests := []struct {
		req  uint16
		want uint16
		ok   bool
	}{
		{PermitJoiningRequest, 0x8036, true},
		{LeaveRequest, LeaveResponse, true},
		{NetworkAddressRequest, NetworkAddressResponse, true},
		{BindRequest, 0x8021, true},
		{EndDeviceAnnounce, 0, false},
		{0x0777, 0, false},
	}
	for _, tt := range tests {
		got, ok := ResponseCluster(tt.req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ResponseCluster(0x%04X): got 0x%04X,%v want 0x%04X,%v", tt.req, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTargetsEUI64(t *testing.T) {
	if !TargetsEUI64(NetworkAddressResponse) || !TargetsEUI64(LeaveResponse) {
		t.Error("network address and leave responses target the eui64")
	}
	if TargetsEUI64(0x8036) || TargetsEUI64(0x8031) {
		t.Error("other responses target the network address")
	}
}

func TestTargetMatches(t *testing.T) {
	ieee := blz.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	nwkRsp, err := ParseResponse(NetworkAddressResponse, 0x4444, append([]byte{0x05, 0x00}, append(ieee[:], 0x44, 0x44)...))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !(Target{Cluster: NetworkAddressResponse, IEEE: ieee}).Matches(nwkRsp) {
		t.Error("network address response should match by ieee")
	}
	if (Target{Cluster: NetworkAddressResponse, IEEE: blz.EUI64{9}}).Matches(nwkRsp) {
		t.Error("wrong ieee matched")
	}

	lqi, _ := ParseResponse(0x8031, 0x1234, []byte{0x07, 0x00, 0x01})
	if !(Target{Cluster: 0x8031, NwkAddr: 0x1234}).Matches(lqi) {
		t.Error("lqi response should match by sender")
	}
	if (Target{Cluster: 0x8031, NwkAddr: 0x9999}).Matches(lqi) {
		t.Error("wrong sender matched")
	}
	if (Target{Cluster: 0x8032, NwkAddr: 0x1234}).Matches(lqi) {
		t.Error("wrong cluster matched")
	}

	leave := FakeLeaveResponse(0x1234, ieee)
	if !(Target{Cluster: LeaveResponse, IEEE: ieee}).Matches(leave) {
		t.Error("faked leave response should match by ieee")
	}

	if _, err := ParseResponse(0x8036, 0, []byte{0x01}); err == nil {
		t.Error("one-byte response should fail")
	}
}

func TestClusterName(t *testing.T) {
	if got := ClusterName(PermitJoiningRequest); got != "PERMIT_JOINING_REQUEST" {
		t.Errorf("got %s", got)
	}
	if got := ClusterName(LeaveResponse); got != "LEAVE_RESPONSE" {
		t.Errorf("got %s", got)
	}
	if got := ClusterName(0x0777); got != "0x0777" {
		t.Errorf("got %s", got)
	}
}

func TestPayloadBuilders(t *testing.T) {
	if got := PermitJoiningPayload(254); !bytes.Equal(got, []byte{0xFE, 0x01}) {
		t.Errorf("permit joining: got %X", got)
	}
	ieee := blz.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	got := Adjust(LeaveRequest, 0, LeavePayload(ieee, true))
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 0x80, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("leave: got %X, want %X", got, want)
	}
}

func TestAnnounce(t *testing.T) {
	msg := []byte{0x05, 0x34, 0x12, 1, 2, 3, 4, 5, 6, 7, 8, 0x8E}
	r, err := ParseResponse(EndDeviceAnnounce, 0x1234, msg)
	if err != nil {
		t.Fatal(err)
	}
	a, ok := r.Announce()
	if !ok {
		t.Fatal("announce not decoded")
	}
	if a.NwkAddr != 0x1234 || a.IEEE != (blz.EUI64{1, 2, 3, 4, 5, 6, 7, 8}) || a.Capabilities != 0x8E {
		t.Errorf("got %+v", a)
	}

	if _, ok := (Response{Cluster: EndDeviceAnnounce, Body: []byte{1}}).Announce(); ok {
		t.Error("short announce decoded")
	}
	if _, ok := (Response{Cluster: LeaveResponse, Body: make([]byte, 10)}).Announce(); ok {
		t.Error("wrong cluster decoded")
	}
}

func TestBindPayload(t *testing.T) {
	src := blz.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	dst := blz.EUI64{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}

	unicast := BindPayload(src, 1, 0x0006, BindTarget{IEEE: dst, Endpoint: 2})
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 0x01, 0x06, 0x00, 0x03, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x02}
	if !bytes.Equal(unicast, want) {
		t.Errorf("unicast: got %X, want %X", unicast, want)
	}
	if got := Adjust(BindRequest, 0x1234, unicast); !bytes.Equal(got, unicast) {
		t.Errorf("unicast adjusted to %X", got)
	}

	group := BindPayload(src, 1, 0x0008, BindTarget{IsGroup: true, Group: 0x0102})
	if len(group) != multicastBindLength {
		t.Fatalf("group payload is %d bytes", len(group))
	}
	if got := Adjust(BindRequest, 0x1234, group); len(got) != multicastBindLength+1 || got[len(got)-1] != 0 {
		t.Errorf("group adjusted to %X", got)
	}
}
