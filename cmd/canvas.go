package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adalundhe/easel/core/canvassync"
	"github.com/adalundhe/easel/core/metadata"
)

var (
	canvasUID     string
	canvasVersion string
	canvasJSON    bool

	addNodeType      string
	addNodeData      string
	addNodeConnectTo string
)

var canvasCmd = &cobra.Command{
	Use:   "canvas",
	Short: "Inspect and mutate canvases",
}

var canvasCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new canvas",
	RunE:  runCanvasCreate,
}

var canvasShowCmd = &cobra.Command{
	Use:   "show <canvas-id>",
	Short: "Show a canvas state snapshot",
	Long:  `Show the current state of a canvas, or a historical version with --version.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCanvasShow,
}

var canvasVersionsCmd = &cobra.Command{
	Use:   "versions <canvas-id>",
	Short: "List the version index for a canvas",
	Args:  cobra.ExactArgs(1),
	RunE:  runCanvasVersions,
}

var canvasHistoryCmd = &cobra.Command{
	Use:   "history <canvas-id>",
	Short: "Show the provenance chain of the current version",
	Args:  cobra.ExactArgs(1),
	RunE:  runCanvasHistory,
}

var canvasAddNodeCmd = &cobra.Command{
	Use:   "add-node <canvas-id>",
	Short: "Append a node to a canvas",
	Args:  cobra.ExactArgs(1),
	RunE:  runCanvasAddNode,
}

var canvasDeleteCmd = &cobra.Command{
	Use:   "delete <canvas-id>",
	Short: "Soft-delete a canvas",
	Args:  cobra.ExactArgs(1),
	RunE:  runCanvasDelete,
}

func init() {
	canvasCmd.PersistentFlags().StringVar(&canvasUID, "uid", "", "Acting user id")
	canvasShowCmd.Flags().StringVar(&canvasVersion, "version", "", "Version to show (default: current)")
	canvasShowCmd.Flags().BoolVar(&canvasJSON, "json", false, "Emit raw JSON")
	canvasVersionsCmd.Flags().BoolVar(&canvasJSON, "json", false, "Emit raw JSON")
	canvasHistoryCmd.Flags().BoolVar(&canvasJSON, "json", false, "Emit raw JSON")

	canvasAddNodeCmd.Flags().StringVar(&addNodeType, "type", "", "Node type (required)")
	canvasAddNodeCmd.Flags().StringVar(&addNodeData, "data", "", "Node data as JSON")
	canvasAddNodeCmd.Flags().StringVar(&addNodeConnectTo, "connect-to", "", "Existing node id to link from")
	canvasAddNodeCmd.MarkFlagRequired("type")

	canvasCmd.AddCommand(canvasCreateCmd)
	canvasCmd.AddCommand(canvasShowCmd)
	canvasCmd.AddCommand(canvasVersionsCmd)
	canvasCmd.AddCommand(canvasHistoryCmd)
	canvasCmd.AddCommand(canvasAddNodeCmd)
	canvasCmd.AddCommand(canvasDeleteCmd)
	rootCmd.AddCommand(canvasCmd)
}

func runCanvasCreate(cmd *cobra.Command, args []string) error {
	service, closer, err := buildService()
	if err != nil {
		return err
	}
	defer closer()

	id := uuid.NewString()
	if err := service.CreateCanvas(context.Background(), metadata.Canvas{ID: id, UID: canvasUID}); err != nil {
		return err
	}

	fmt.Println(id)
	return nil
}

func runCanvasShow(cmd *cobra.Command, args []string) error {
	service, closer, err := buildService()
	if err != nil {
		return err
	}
	defer closer()

	state, err := service.GetState(context.Background(), canvasUID, args[0], canvasVersion)
	if err != nil {
		return err
	}

	if canvasJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	fmt.Printf("version:      %s\n", state.Version)
	fmt.Printf("nodes:        %d\n", len(state.Nodes))
	fmt.Printf("edges:        %d\n", len(state.Edges))
	fmt.Printf("transactions: %d (%d unsynced)\n", len(state.Transactions), len(state.UnsyncedTransactions()))
	fmt.Printf("updated:      %s\n", state.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runCanvasVersions(cmd *cobra.Command, args []string) error {
	service, closer, err := buildService()
	if err != nil {
		return err
	}
	defer closer()

	records, err := service.ListVersions(context.Background(), canvasUID, args[0])
	if err != nil {
		return err
	}

	if canvasJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	for _, rec := range records {
		fmt.Printf("%s  %s  %s\n", rec.CreatedAt.Format(time.RFC3339), rec.Version, rec.Hash)
	}
	return nil
}

func runCanvasHistory(cmd *cobra.Command, args []string) error {
	service, closer, err := buildService()
	if err != nil {
		return err
	}
	defer closer()

	state, err := service.GetState(context.Background(), canvasUID, args[0], "")
	if err != nil {
		return err
	}

	if canvasJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state.History)
	}

	for _, entry := range state.History {
		fmt.Printf("%s  %s  %s\n", entry.Timestamp.Format(time.RFC3339), entry.Version, entry.Hash)
	}
	fmt.Printf("%s  %s  (current)\n", state.UpdatedAt.Format(time.RFC3339), state.Version)
	return nil
}

func runCanvasAddNode(cmd *cobra.Command, args []string) error {
	service, closer, err := buildService()
	if err != nil {
		return err
	}
	defer closer()

	var data map[string]any
	if addNodeData != "" {
		if err := json.Unmarshal([]byte(addNodeData), &data); err != nil {
			return fmt.Errorf("parse --data: %w", err)
		}
	}

	node, _, err := service.AddNodeToCanvas(context.Background(), canvasUID, args[0], canvassync.AddNodeRequest{
		Type:      addNodeType,
		Data:      data,
		ConnectTo: addNodeConnectTo,
	})
	if err != nil {
		return err
	}

	fmt.Println(node.ID)
	return nil
}

func runCanvasDelete(cmd *cobra.Command, args []string) error {
	service, closer, err := buildService()
	if err != nil {
		return err
	}
	defer closer()

	return service.DeleteCanvas(context.Background(), canvasUID, args[0])
}
