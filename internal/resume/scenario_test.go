package resume

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/tool"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

var _ = Describe("Permission resume", func() {
	var (
		f   *fixture
		msg *types.Message
	)

	BeforeEach(func() {
		f = newFixture(GinkgoT(), nil)
	})

	Describe("granting a pending write", func() {
		var events chan event.Event

		BeforeEach(func() {
			msg = f.seed(GinkgoT(), permBlock("X", types.PermissionWrite, types.PermissionPending), toolBlock("X"))
			events = make(chan event.Event, 64)
			unsubscribe := f.bus.SubscribeAll(func(ev event.Event) {
				select {
				case events <- ev:
				default:
				}
			})
			DeferCleanup(unsubscribe)
		})

		It("executes the tool once and continues the turn once", func() {
			res, err := f.svc.HandlePermissionResponse(f.ctx, PermissionResponse{
				MessageID:      msg.ID,
				ToolCallID:     "X",
				Granted:        true,
				PermissionType: types.PermissionWrite,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reason).To(Equal(ReasonCompleted))

			stored := f.message(GinkgoT(), msg.ID)
			Expect(stored.Companion("X").Status).To(Equal(types.PermissionGranted))
			Expect(stored.ToolCall("X").Status).To(Equal(types.ToolCallSuccess))
			Expect(f.tools.CallIDs()).To(Equal([]string{"X"}))
			Expect(f.streamer.Calls()).To(Equal(1))
			Expect(f.svc.Locks().Releases(f.conv.ID)).To(Equal(1))
		})

		It("announces the tool result", func() {
			_, err := f.svc.HandlePermissionResponse(f.ctx, PermissionResponse{MessageID: msg.ID, ToolCallID: "X", Granted: true})
			Expect(err).NotTo(HaveOccurred())

			Eventually(events).Should(Receive(WithTransform(func(ev event.Event) bool {
				data, ok := ev.Data.(event.BlockUpdatedData)
				if !ok || ev.Type != event.BlockUpdated {
					return false
				}
				tc, ok := data.Block.(*types.ToolCallBlock)
				return ok && tc.ToolCallID == "X" && tc.Status == types.ToolCallSuccess
			}, BeTrue())))
		})

		It("ignores a repeated decision", func() {
			resp := PermissionResponse{MessageID: msg.ID, ToolCallID: "X", Granted: true}
			_, err := f.svc.HandlePermissionResponse(f.ctx, resp)
			Expect(err).NotTo(HaveOccurred())

			res, err := f.svc.HandlePermissionResponse(f.ctx, resp)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reason).To(Equal(ReasonAlreadyResolved))
			Expect(f.tools.Calls()).To(HaveLen(1))
			Expect(f.streamer.Calls()).To(Equal(1))
		})
	})

	Describe("denying", func() {
		BeforeEach(func() {
			msg = f.seed(GinkgoT(), permBlock("X", types.PermissionRead, types.PermissionPending), toolBlock("X"))
		})

		It("records the denial without calling the tool", func() {
			_, err := f.svc.HandlePermissionResponse(f.ctx, PermissionResponse{MessageID: msg.ID, ToolCallID: "X"})
			Expect(err).NotTo(HaveOccurred())

			tc := f.message(GinkgoT(), msg.ID).ToolCall("X")
			Expect(tc.Status).To(Equal(types.ToolCallError))
			Expect(response(tc)).To(Equal(permission.DeniedMessage))
			Expect(f.tools.Calls()).To(BeEmpty())
		})
	})

	Describe("a tool that discovers it needs more access", func() {
		BeforeEach(func() {
			f.tools.handle = func(call tool.Call) (*tool.Response, error) {
				if call.ID == "T2" && (call.Approval == nil || call.Approval.PermissionType != types.PermissionAll) {
					return needsPermission(types.PermissionAll), nil
				}
				return &tool.Response{Content: "ok"}, nil
			}
			msg = f.seed(GinkgoT(),
				toolBlock("T1"),
				permBlock("T2", types.PermissionRead, types.PermissionPending), toolBlock("T2"),
				toolBlock("T3"),
			)
		})

		It("pauses at that tool and finishes after the next grant", func() {
			res, err := f.svc.HandlePermissionResponse(f.ctx, PermissionResponse{MessageID: msg.ID, ToolCallID: "T2", Granted: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reason).To(Equal(ReasonPaused))
			Expect(f.tools.CallIDs()).To(Equal([]string{"T1", "T2"}))
			Expect(f.status(GinkgoT())).To(Equal(types.StatusWaitingPermission))

			res, err = f.svc.HandlePermissionResponse(f.ctx, PermissionResponse{
				MessageID:      msg.ID,
				ToolCallID:     "T2",
				Granted:        true,
				PermissionType: types.PermissionAll,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reason).To(Equal(ReasonCompleted))
			Expect(f.tools.CallIDs()).To(Equal([]string{"T1", "T2", "T2", "T3"}))
			Expect(f.streamer.Calls()).To(Equal(1))
			Expect(f.svc.Locks().Releases(f.conv.ID)).To(Equal(2))
		})
	})
})
