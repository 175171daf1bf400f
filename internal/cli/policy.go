package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/warrenhq/warren/internal/policy"
)

var (
	policyBy    string
	policyNote  string
	policyLimit int
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage versioned policy releases",
}

var policyPublishCmd = &cobra.Command{
	Use:   "publish [file]",
	Short: "Validate and publish a policy document as the new active release",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyPublish,
}

var policyShowCmd = &cobra.Command{
	Use:   "show [version]",
	Short: "Show a release body, or the active release when omitted",
	RunE:  runPolicyShow,
}

var policyHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List releases, newest first",
	RunE:  runPolicyHistory,
}

var policyRollbackCmd = &cobra.Command{
	Use:   "rollback [version]",
	Short: "Republish a historical release body as a new active release",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyRollback,
}

func init() {
	policyPublishCmd.Flags().StringVar(&policyBy, "by", "operator", "Author recorded on the release")
	policyPublishCmd.Flags().StringVar(&policyNote, "note", "", "Change note")
	policyRollbackCmd.Flags().StringVar(&policyBy, "by", "operator", "Author recorded on the release")
	policyHistoryCmd.Flags().IntVar(&policyLimit, "limit", 20, "Maximum rows")

	policyCmd.AddCommand(policyPublishCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyHistoryCmd)
	policyCmd.AddCommand(policyRollbackCmd)
}

func runPolicyPublish(cmd *cobra.Command, args []string) error {
	body, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	// Reject malformed documents before they can become the active
	// release; the provider would refuse them at fetch time anyway.
	if _, err := policy.ParseDocument(body); err != nil {
		return err
	}

	s, _, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	release, err := s.PublishPolicy(body, policyBy, policyNote, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("Published policy v%d by %s\n", release.Version, release.CreatedBy)
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	s, _, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 0 {
		release, err := s.FetchLatestActive()
		if err != nil {
			return err
		}
		if release == nil {
			fmt.Println("No active release.")
			return nil
		}
		return printRelease(release.Version, release.Policy)
	}

	version, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q", args[0])
	}
	s2, err := s.GetPolicyRelease(version)
	if err != nil {
		return err
	}
	return printRelease(s2.Version, s2.Policy)
}

func printRelease(version int64, body []byte) error {
	fmt.Printf("# version %d\n", version)
	_, err := os.Stdout.Write(append(body, '\n'))
	return err
}

func runPolicyHistory(cmd *cobra.Command, args []string) error {
	s, _, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	releases, err := s.ListPolicyReleases(policyLimit)
	if err != nil {
		return err
	}
	if len(releases) == 0 {
		fmt.Println("No releases.")
		return nil
	}
	for _, r := range releases {
		active := " "
		if r.IsActive {
			active = "*"
		}
		fmt.Printf("%s v%-4d  %s  %s", active, r.Version, r.CreatedAt.Format(time.RFC3339), r.CreatedBy)
		if r.ChangeNote != "" {
			fmt.Printf("  %s", r.ChangeNote)
		}
		fmt.Println()
	}
	return nil
}

func runPolicyRollback(cmd *cobra.Command, args []string) error {
	version, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q", args[0])
	}

	s, _, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	release, err := s.RollbackPolicy(version, policyBy, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("Rolled back to v%d as new release v%d\n", version, release.Version)
	return nil
}
