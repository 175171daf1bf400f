package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warrenhq/warren/internal/store"
)

var (
	personaName      string
	personaBio       string
	personaInterests string
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Manage persona profiles",
}

var personaAddCmd = &cobra.Command{
	Use:   "add [id]",
	Short: "Create or update a persona profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonaAdd,
}

var personaShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a persona profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonaShow,
}

func init() {
	personaAddCmd.Flags().StringVar(&personaName, "name", "", "Display name (required)")
	personaAddCmd.Flags().StringVar(&personaBio, "bio", "", "Profile bio")
	personaAddCmd.Flags().StringVar(&personaInterests, "interests", "", "Comma-separated interests")
	personaAddCmd.MarkFlagRequired("name")

	personaCmd.AddCommand(personaAddCmd)
	personaCmd.AddCommand(personaShowCmd)
}

func runPersonaAdd(cmd *cobra.Command, args []string) error {
	s, _, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	p := &store.Persona{
		ID:        args[0],
		Name:      personaName,
		Bio:       personaBio,
		Interests: personaInterests,
	}
	if err := s.SavePersona(p); err != nil {
		return err
	}
	fmt.Printf("Saved persona %s (%s)\n", p.ID, p.Name)
	return nil
}

func runPersonaShow(cmd *cobra.Command, args []string) error {
	s, _, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.GetPersona(args[0])
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("persona %q not found", args[0])
	}
	fmt.Printf("%s  %s\n", p.ID, p.Name)
	if p.Bio != "" {
		fmt.Println(p.Bio)
	}
	if p.Interests != "" {
		fmt.Println("Interests:", p.Interests)
	}
	return nil
}
