package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/warrenhq/warren/internal/review"
	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
)

var (
	reviewNote   string
	reviewReason string
	reviewLimit  int
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Operate the human review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List review items, optionally filtered by status",
	RunE:  runReviewList,
}

var reviewClaimCmd = &cobra.Command{
	Use:   "claim [item-id] [reviewer]",
	Short: "Claim an item for review",
	Args:  cobra.ExactArgs(2),
	RunE:  runReviewClaim,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve [item-id] [reviewer]",
	Short: "Approve an item; the task returns to the queue",
	Args:  cobra.ExactArgs(2),
	RunE:  runReviewApprove,
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject [item-id] [reviewer]",
	Short: "Reject an item; the task is skipped",
	Args:  cobra.ExactArgs(2),
	RunE:  runReviewReject,
}

var reviewSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue review items now",
	RunE:  runReviewSweep,
}

func init() {
	reviewListCmd.Flags().IntVar(&reviewLimit, "limit", 50, "Maximum rows")
	reviewApproveCmd.Flags().StringVar(&reviewNote, "note", "", "Reviewer note")
	reviewRejectCmd.Flags().StringVar(&reviewNote, "note", "", "Reviewer note")
	reviewRejectCmd.Flags().StringVar(&reviewReason, "reason", safety.ReasonReviewRejected, "Rejection reason code")

	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewClaimCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	reviewCmd.AddCommand(reviewSweepCmd)
}

func reviewService() (*review.Service, *store.Store, error) {
	s, cfg, err := mustStore()
	if err != nil {
		return nil, nil, err
	}
	return review.New(s, cfg.Review.TTL, newLogger()), s, nil
}

func runReviewList(cmd *cobra.Command, args []string) error {
	svc, s, err := reviewService()
	if err != nil {
		return err
	}
	defer s.Close()

	var status store.ReviewStatus
	if len(args) > 0 {
		status = store.ReviewStatus(args[0])
	}
	items, err := svc.List(status, reviewLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No review items.")
		return nil
	}
	for _, it := range items {
		fmt.Printf("%s  %-9s  %-7s  task=%s  [%s]  expires %s\n",
			it.ID, it.Status, it.RiskLevel, it.TaskID, it.EnqueueReasonCode,
			it.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runReviewClaim(cmd *cobra.Command, args []string) error {
	svc, s, err := reviewService()
	if err != nil {
		return err
	}
	defer s.Close()

	item, err := svc.Claim(args[0], args[1], time.Now().UTC())
	if err != nil {
		return err
	}
	if item == nil {
		fmt.Println("Item is held by another reviewer or already decided.")
		return nil
	}
	fmt.Printf("Claimed %s for %s\n", item.ID, args[1])
	if text := item.Metadata[store.ReviewMetaGeneratedText]; text != "" {
		fmt.Println("---")
		fmt.Println(text)
	}
	return nil
}

func runReviewApprove(cmd *cobra.Command, args []string) error {
	svc, s, err := reviewService()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := svc.Approve(args[0], args[1], reviewNote, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Printf("Approved %s; task requeued\n", args[0])
	return nil
}

func runReviewReject(cmd *cobra.Command, args []string) error {
	svc, s, err := reviewService()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := svc.Reject(args[0], args[1], reviewReason, reviewNote, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Printf("Rejected %s [%s]; task skipped\n", args[0], reviewReason)
	return nil
}

func runReviewSweep(cmd *cobra.Command, args []string) error {
	svc, s, err := reviewService()
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := svc.ExpireDue(time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("Expired %d item(s)\n", n)
	return nil
}
