package mesh

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/core/mock"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signal"
	"github.com/google/go-cmp/cmp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/mock/gomock"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name   string
		role   domain.Role
		known  bool
		typ    signal.Type
		want   domain.Role
		wantOK bool
	}{
		{"announce from stranger", domain.RoleIdle, false, signal.TypeAnnounce, domain.RoleOffering, true},
		{"announce from idle", domain.RoleIdle, true, signal.TypeAnnounce, domain.RoleOffering, true},
		{"announce while offering", domain.RoleOffering, true, signal.TypeAnnounce, domain.RoleOffering, false},
		{"announce while stable", domain.RoleStable, true, signal.TypeAnnounce, domain.RoleStable, false},
		{"offer from stranger", domain.RoleIdle, false, signal.TypeOffer, domain.RoleStable, true},
		{"offer while stable", domain.RoleStable, true, signal.TypeOffer, domain.RoleStable, true},
		{"offer while offering", domain.RoleOffering, true, signal.TypeOffer, domain.RoleStable, true},
		{"answer while offering", domain.RoleOffering, true, signal.TypeAnswer, domain.RoleStable, true},
		{"answer from stranger", domain.RoleIdle, false, signal.TypeAnswer, domain.RoleIdle, false},
		{"answer while stable", domain.RoleStable, true, signal.TypeAnswer, domain.RoleStable, false},
		{"candidate keeps role", domain.RoleAnswering, true, signal.TypeCandidate, domain.RoleAnswering, true},
		{"candidate from stranger", domain.RoleIdle, false, signal.TypeCandidate, domain.RoleIdle, false},
		{"depart known", domain.RoleStable, true, signal.TypeDepart, domain.RoleIdle, true},
		{"depart stranger", domain.RoleIdle, false, signal.TypeDepart, domain.RoleIdle, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Transition(tt.role, tt.known, tt.typ)
			if got != tt.want || ok != tt.wantOK {
				t.Fatalf("Transition(%s, %v, %s) = (%s, %v), want (%s, %v)",
					tt.role, tt.known, tt.typ, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

type published struct {
	msgs []signal.Message
}

func (p *published) publish(_ context.Context, m signal.Message) { p.msgs = append(p.msgs, m) }

func newTestNegotiator(t *testing.T, ctrl *gomock.Controller, conn core.PeerConnection) (*negotiator, *published) {
	t.Helper()
	factory := mock.NewMockPeerFactory(ctrl)
	factory.EXPECT().NewPeerConnection(gomock.Any()).Return(conn, nil).AnyTimes()
	var p published
	n := &negotiator{
		self:     "a",
		registry: NewRegistry(factory, Hooks{}),
		publish:  p.publish,
		local:    func() core.LocalStream { return nil },
	}
	return n, &p
}

func expectHooks(conn *mock.MockPeerConnection) {
	conn.EXPECT().OnICECandidate(gomock.Any()).AnyTimes()
	conn.EXPECT().OnTrack(gomock.Any()).AnyTimes()
}

func TestHandleOfferAppliesRemoteBeforeAnswering(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock.NewMockPeerConnection(ctrl)
	expectHooks(conn)
	gomock.InOrder(
		conn.EXPECT().SetRemoteDescription(webrtc.SDPTypeOffer, testSDP).Return(nil),
		conn.EXPECT().CreateAnswer().Return(testSDP, nil),
		conn.EXPECT().SetLocalDescription(webrtc.SDPTypeAnswer, testSDP).Return(nil),
	)
	n, p := newTestNegotiator(t, ctrl, conn)

	if err := n.handleOffer(context.Background(), signal.Offer("b", "a", testSDP)); err != nil {
		t.Fatal(err)
	}
	want := []signal.Message{signal.Answer("a", "b", testSDP)}
	if diff := cmp.Diff(want, p.msgs); diff != "" {
		t.Fatalf("published mismatch (-want +got):\n%s", diff)
	}
	if e, _ := n.registry.Get("b"); e.Role != domain.RoleStable {
		t.Fatalf("role = %s, want stable", e.Role)
	}
}

func TestHandleAnnounceOffers(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock.NewMockPeerConnection(ctrl)
	expectHooks(conn)
	gomock.InOrder(
		conn.EXPECT().CreateOffer().Return(testSDP, nil),
		conn.EXPECT().SetLocalDescription(webrtc.SDPTypeOffer, testSDP).Return(nil),
	)
	n, p := newTestNegotiator(t, ctrl, conn)

	if err := n.handleAnnounce(context.Background(), signal.Announce("b")); err != nil {
		t.Fatal(err)
	}
	want := []signal.Message{signal.Offer("a", "b", testSDP)}
	if diff := cmp.Diff(want, p.msgs); diff != "" {
		t.Fatalf("published mismatch (-want +got):\n%s", diff)
	}
	if e, _ := n.registry.Get("b"); e.Role != domain.RoleOffering {
		t.Fatalf("role = %s, want offering", e.Role)
	}

	if err := n.handleAnnounce(context.Background(), signal.Announce("b")); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("repeated announce err = %v, want ErrUnexpectedMessage", err)
	}
}

func TestHandleAnswerRequiresOffering(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock.NewMockPeerConnection(ctrl)
	expectHooks(conn)
	n, _ := newTestNegotiator(t, ctrl, conn)

	if err := n.handleAnswer(context.Background(), signal.Answer("b", "a", testSDP)); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("answer from stranger err = %v, want ErrUnknownPeer", err)
	}

	conn.EXPECT().CreateOffer().Return(testSDP, nil)
	conn.EXPECT().SetLocalDescription(webrtc.SDPTypeOffer, testSDP).Return(nil)
	conn.EXPECT().SetRemoteDescription(webrtc.SDPTypeAnswer, testSDP).Return(nil)
	if err := n.handleAnnounce(context.Background(), signal.Announce("b")); err != nil {
		t.Fatal(err)
	}
	if err := n.handleAnswer(context.Background(), signal.Answer("b", "a", testSDP)); err != nil {
		t.Fatal(err)
	}
	if e, _ := n.registry.Get("b"); e.Role != domain.RoleStable {
		t.Fatalf("role = %s, want stable", e.Role)
	}
}

func TestHandleAnswerFailureKeepsRole(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock.NewMockPeerConnection(ctrl)
	expectHooks(conn)
	n, _ := newTestNegotiator(t, ctrl, conn)

	conn.EXPECT().CreateOffer().Return(testSDP, nil)
	conn.EXPECT().SetLocalDescription(webrtc.SDPTypeOffer, testSDP).Return(nil)
	conn.EXPECT().SetRemoteDescription(webrtc.SDPTypeAnswer, testSDP).Return(errors.New("bad state"))
	n.handleAnnounce(context.Background(), signal.Announce("b"))

	err := n.handleAnswer(context.Background(), signal.Answer("b", "a", testSDP))
	if err == nil || errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("err = %v, want primitive failure", err)
	}
	if e, _ := n.registry.Get("b"); e.Role != domain.RoleOffering {
		t.Fatalf("role = %s, want offering", e.Role)
	}
}

func TestHandleOfferFailureKeepsRole(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock.NewMockPeerConnection(ctrl)
	expectHooks(conn)
	n, p := newTestNegotiator(t, ctrl, conn)

	gomock.InOrder(
		conn.EXPECT().CreateOffer().Return(testSDP, nil),
		conn.EXPECT().SetLocalDescription(webrtc.SDPTypeOffer, testSDP).Return(nil),
		conn.EXPECT().SetRemoteDescription(webrtc.SDPTypeOffer, testSDP).Return(errors.New("have-local-offer")),
		conn.EXPECT().SetRemoteDescription(webrtc.SDPTypeAnswer, testSDP).Return(nil),
	)
	if err := n.handleAnnounce(context.Background(), signal.Announce("b")); err != nil {
		t.Fatal(err)
	}

	err := n.handleOffer(context.Background(), signal.Offer("b", "a", testSDP))
	if err == nil || errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("err = %v, want primitive failure", err)
	}
	if e, _ := n.registry.Get("b"); e.Role != domain.RoleOffering {
		t.Fatalf("role after failed offer = %s, want offering", e.Role)
	}

	if err := n.handleAnswer(context.Background(), signal.Answer("b", "a", testSDP)); err != nil {
		t.Fatalf("answer to pending offer: %v", err)
	}
	if e, _ := n.registry.Get("b"); e.Role != domain.RoleStable {
		t.Fatalf("role = %s, want stable", e.Role)
	}
	if len(p.msgs) != 1 {
		t.Fatalf("published %d messages, want only the offer", len(p.msgs))
	}
}

func TestHandleOfferCreateAnswerFailureRestoresRole(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock.NewMockPeerConnection(ctrl)
	expectHooks(conn)
	n, p := newTestNegotiator(t, ctrl, conn)

	gomock.InOrder(
		conn.EXPECT().SetRemoteDescription(webrtc.SDPTypeOffer, testSDP).Return(nil),
		conn.EXPECT().CreateAnswer().Return("", errors.New("no codecs")),
	)
	if err := n.handleOffer(context.Background(), signal.Offer("b", "a", testSDP)); err == nil {
		t.Fatal("expected create answer failure")
	}
	if e, _ := n.registry.Get("b"); e.Role != domain.RoleIdle {
		t.Fatalf("role = %s, want idle", e.Role)
	}
	if len(p.msgs) != 0 {
		t.Fatalf("published %v after failure", p.msgs)
	}
}

func TestHandleCandidate(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock.NewMockPeerConnection(ctrl)
	expectHooks(conn)
	n, _ := newTestNegotiator(t, ctrl, conn)

	if err := n.handleCandidate(context.Background(), signal.EndOfCandidates("b", "a")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}

	mid := "0"
	cand := &webrtc.ICECandidateInit{Candidate: testCandidate, SDPMid: &mid}
	conn.EXPECT().CreateOffer().Return(testSDP, nil)
	conn.EXPECT().SetLocalDescription(gomock.Any(), gomock.Any()).Return(nil)
	gomock.InOrder(
		conn.EXPECT().AddICECandidate(cand).Return(nil),
		conn.EXPECT().AddICECandidate(nil).Return(nil),
	)
	n.handleAnnounce(context.Background(), signal.Announce("b"))

	if err := n.handleCandidate(context.Background(), signal.CandidateFor("b", "a", cand)); err != nil {
		t.Fatal(err)
	}
	if err := n.handleCandidate(context.Background(), signal.EndOfCandidates("b", "a")); err != nil {
		t.Fatal(err)
	}
}

func TestHandleDepartRemoves(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock.NewMockPeerConnection(ctrl)
	expectHooks(conn)
	n, _ := newTestNegotiator(t, ctrl, conn)

	if err := n.handleDepart(context.Background(), signal.Depart("b")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}

	conn.EXPECT().CreateOffer().Return(testSDP, nil)
	conn.EXPECT().SetLocalDescription(gomock.Any(), gomock.Any()).Return(nil)
	conn.EXPECT().Close().Return(nil)
	n.handleAnnounce(context.Background(), signal.Announce("b"))

	if err := n.handleDepart(context.Background(), signal.Depart("b")); err != nil {
		t.Fatal(err)
	}
	if n.registry.Len() != 0 {
		t.Fatal("entry survived Depart")
	}
}
