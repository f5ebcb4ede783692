package cosmosstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
)

var ErrInvalidConfig = errors.New("invalid cosmos config")

// Config locates the ledger container. An empty Key selects Entra ID
// authentication through azidentity.DefaultAzureCredential.
type Config struct {
	Endpoint      string
	Key           string
	Database      string
	Container     string
	AutoProvision bool
}

// Validate rejects incomplete settings.
func (config Config) Validate() error {
	if strings.TrimSpace(config.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(config.Database) == "" {
		return fmt.Errorf("%w: database is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(config.Container) == "" {
		return fmt.Errorf("%w: container is required", ErrInvalidConfig)
	}
	return nil
}

// NewClient builds a Cosmos client from config.
func NewClient(config Config) (*azcosmos.Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Key != "" {
		credential, err := azcosmos.NewKeyCredential(config.Key)
		if err != nil {
			return nil, fmt.Errorf("cosmos key credential: %w", err)
		}
		return azcosmos.NewClientWithKey(config.Endpoint, credential, nil)
	}
	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure default credential: %w", err)
	}
	return azcosmos.NewClient(config.Endpoint, credential, nil)
}

// Open connects to the configured container, creating the database and
// container first when AutoProvision is set.
func Open(ctx context.Context, config Config) (*Store, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	if config.AutoProvision {
		if err := Provision(ctx, client, config.Database, config.Container); err != nil {
			return nil, err
		}
	}
	container, err := client.NewContainer(config.Database, config.Container)
	if err != nil {
		return nil, fmt.Errorf("cosmos container: %w", err)
	}
	return New(container), nil
}

// Provision creates the database and the /user_id partitioned container if missing.
func Provision(ctx context.Context, client *azcosmos.Client, databaseID string, containerID string) error {
	if _, err := client.CreateDatabase(ctx, azcosmos.DatabaseProperties{ID: databaseID}, nil); err != nil && statusCode(err) != http.StatusConflict {
		return fmt.Errorf("create database %s: %w", databaseID, err)
	}
	database, err := client.NewDatabase(databaseID)
	if err != nil {
		return fmt.Errorf("cosmos database: %w", err)
	}
	properties := azcosmos.ContainerProperties{
		ID: containerID,
		PartitionKeyDefinition: azcosmos.PartitionKeyDefinition{
			Paths: []string{PartitionKeyPath},
		},
	}
	if _, err := database.CreateContainer(ctx, properties, nil); err != nil && statusCode(err) != http.StatusConflict {
		return fmt.Errorf("create container %s: %w", containerID, err)
	}
	return nil
}
